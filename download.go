package dracoon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/unbekanntes-pferd/dracoon-go/cryptox"
)

// DownloadOptions parameterizes a download.
type DownloadOptions struct {
	// ChunkSize overrides DefaultChunkSize for the ranged requests.
	ChunkSize int64

	Progress ProgressFunc
}

func (o *DownloadOptions) chunkSize() int64 {
	if o.ChunkSize < 1 {
		return DefaultChunkSize
	}

	return o.ChunkSize
}

type downloadURLResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// Download fetches a file node into w using sequential ranged requests
// against the storage backend. Encrypted files are decrypted client
// side: the content key is unwrapped with the session key pair, every
// range feeds the decrypter, and the plaintext is verified against the
// authentication tag before anything is written to w.
func (c *Connected) Download(ctx context.Context, nodeID uint64, w io.Writer, opts DownloadOptions) error {
	if nodeID == 0 {
		return fmt.Errorf("dracoon: download needs a node id: %w", ErrMissingArgument)
	}

	node, err := c.NodeByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("dracoon: resolving download source: %w", err)
	}

	var url downloadURLResponse

	err = c.rest.doJSON(ctx, request{
		method: http.MethodPost,
		url:    apiPrefix + "/nodes/files/" + strconv.FormatUint(nodeID, 10) + "/downloads",
		auth:   c.pool,
	}, &url)
	if err != nil {
		return err
	}

	total := node.Size
	if total == 0 {
		total, err = c.probeLength(ctx, url.DownloadURL)
		if err != nil {
			return err
		}
	}

	c.rest.logger.Info("starting download",
		slog.Uint64("node_id", nodeID),
		slog.Int64("size", total),
		slog.Bool("encrypted", node.IsEncrypted),
	)

	if node.IsEncrypted {
		return c.downloadEncrypted(ctx, nodeID, url.DownloadURL, total, w, opts)
	}

	return c.downloadPlain(ctx, url.DownloadURL, total, w, opts)
}

func (c *Connected) downloadPlain(ctx context.Context, url string, total int64, w io.Writer, opts DownloadOptions) error {
	var transferred int64

	for transferred < total {
		length := min(opts.chunkSize(), total-transferred)

		resp, err := c.getRange(ctx, url, transferred, length)
		if err != nil {
			return err
		}

		n, err := io.Copy(w, resp.Body)
		resp.Body.Close()

		if err != nil {
			return fmt.Errorf("dracoon: writing download data: %w", err)
		}

		transferred += n
		if opts.Progress != nil {
			opts.Progress(transferred, total)
		}
	}

	return nil
}

func (c *Connected) downloadEncrypted(ctx context.Context, nodeID uint64, url string, total int64, w io.Writer, opts DownloadOptions) error {
	keypair, err := c.Keypair(ctx, "")
	if err != nil {
		return err
	}

	var wrapped cryptox.FileKey

	err = c.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    apiPrefix + "/nodes/files/" + strconv.FormatUint(nodeID, 10) + "/user_file_key",
		auth:   c.pool,
	}, &wrapped)
	if err != nil {
		return err
	}

	key, err := cryptox.DecryptFileKey(&wrapped, keypair)
	if err != nil {
		return fmt.Errorf("dracoon: unwrapping content key: %w", err)
	}
	defer key.Wipe()

	dec, err := cryptox.NewDecrypter(key, total)
	if err != nil {
		return fmt.Errorf("dracoon: creating decrypter: %w", err)
	}

	var transferred int64

	for transferred < total {
		length := min(opts.chunkSize(), total-transferred)

		resp, err := c.getRange(ctx, url, transferred, length)
		if err != nil {
			return err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			return fmt.Errorf("dracoon: reading download data: %w", err)
		}

		if err := dec.Update(body); err != nil {
			return err
		}

		transferred += int64(len(body))
		if opts.Progress != nil {
			opts.Progress(transferred, total)
		}
	}

	plaintext, err := dec.Finalize()
	if err != nil {
		return fmt.Errorf("dracoon: decrypting download: %w", err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("dracoon: writing download data: %w", err)
	}

	return nil
}

// getRange requests [offset, offset+length) from the storage backend.
func (c *Connected) getRange(ctx context.Context, url string, offset, length int64) (*http.Response, error) {
	header := http.Header{
		"Range": {"bytes=" + strconv.FormatInt(offset, 10) + "-" + strconv.FormatInt(offset+length-1, 10)},
	}

	resp, err := c.rest.do(ctx, request{
		method:  http.MethodGet,
		url:     url,
		header:  header,
		storage: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dracoon: fetching range at %d: %w", offset, err)
	}

	return resp, nil
}

// probeLength determines the object length with a one-byte range
// request, reading the total from the Content-Range header. An empty
// object cannot satisfy any range, so the backend answers the probe
// with 416; that is the zero-byte case, not a failure.
func (c *Connected) probeLength(ctx context.Context, url string) (int64, error) {
	resp, err := c.getRange(ctx, url, 0, 1)
	if err != nil {
		if isRangeNotSatisfiable(err) {
			return 0, nil
		}

		return 0, err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	contentRange := resp.Header.Get("Content-Range")

	_, totalPart, found := strings.Cut(contentRange, "/")
	if !found {
		// Server answered the range request with the whole object.
		return resp.ContentLength, nil
	}

	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dracoon: parsing Content-Range %q: %w", contentRange, err)
	}

	return total, nil
}

// isRangeNotSatisfiable matches a 416 from either error shape the
// storage backend produces.
func isRangeNotSatisfiable(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.StatusCode == http.StatusRequestedRangeNotSatisfiable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusRequestedRangeNotSatisfiable
	}

	return false
}
