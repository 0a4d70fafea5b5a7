package dracoon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/unbekanntes-pferd/dracoon-go/cryptox"
)

// ResolutionStrategy decides what happens when the target name already
// exists.
type ResolutionStrategy string

const (
	ResolutionAutoRename ResolutionStrategy = "autorename"
	ResolutionOverwrite  ResolutionStrategy = "overwrite"
	ResolutionFail       ResolutionStrategy = "fail"
)

// ProgressFunc reports transfer progress after each processed chunk.
type ProgressFunc func(transferred, total int64)

// UploadOptions parameterizes an upload. Name and Size are required;
// Size is the declared plaintext length and must match what the reader
// yields.
type UploadOptions struct {
	Name string
	Size int64

	Classification        int
	TimestampCreation     time.Time
	TimestampModification time.Time
	ExpireAt              time.Time

	Resolution     ResolutionStrategy
	KeepShareLinks bool

	// ChunkSize overrides DefaultChunkSize. Values below 1 fall back
	// to the default.
	ChunkSize int64

	Progress ProgressFunc
}

func (o *UploadOptions) chunkSize() int64 {
	if o.ChunkSize < 1 {
		return DefaultChunkSize
	}

	return o.ChunkSize
}

// calculateChunks splits a transfer into parts of the given chunk size.
// A zero-byte transfer is one empty part; an exact multiple produces no
// trailing empty part.
func calculateChunks(size, chunk int64) (parts int32, lastSize int64) {
	if size == 0 {
		return 1, 0
	}

	if size%chunk == 0 {
		return int32(size / chunk), chunk
	}

	return int32(size/chunk) + 1, size % chunk
}

// Wire shapes for the upload endpoints.

type createFileUploadRequest struct {
	ParentID              uint64            `json:"parentId"`
	Name                  string            `json:"name"`
	Size                  int64             `json:"size,omitempty"`
	Classification        int               `json:"classification,omitempty"`
	TimestampCreation     string            `json:"timestampCreation,omitempty"`
	TimestampModification string            `json:"timestampModification,omitempty"`
	Expiration            *objectExpiration `json:"expiration,omitempty"`
	DirectS3Upload        bool              `json:"directS3Upload,omitempty"`
}

type objectExpiration struct {
	EnableExpiration bool   `json:"enableExpiration"`
	ExpireAt         string `json:"expireAt,omitempty"`
}

type createFileUploadResponse struct {
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl"`
	Token     string `json:"token"`
}

type presignedURLRequest struct {
	Size            int64 `json:"size"`
	FirstPartNumber int32 `json:"firstPartNumber"`
	LastPartNumber  int32 `json:"lastPartNumber"`
}

type presignedURLList struct {
	URLs []presignedURL `json:"urls"`
}

type presignedURL struct {
	PartNumber int32  `json:"partNumber"`
	URL        string `json:"url"`
}

type s3Part struct {
	PartNumber int32  `json:"partNumber"`
	PartEtag   string `json:"partEtag"`
}

type completeS3UploadRequest struct {
	Parts              []s3Part           `json:"parts"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy"`
	KeepShareLinks     bool               `json:"keepShareLinks"`
	FileKey            *cryptox.FileKey   `json:"fileKey,omitempty"`
}

type completeUploadRequest struct {
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy"`
	KeepShareLinks     bool               `json:"keepShareLinks"`
	FileName           string             `json:"fileName,omitempty"`
	FileKey            *cryptox.FileKey   `json:"fileKey,omitempty"`
}

// Upload status values reported during completion polling.
const (
	uploadStatusTransfer  = "transfer"
	uploadStatusFinishing = "finishing"
	uploadStatusDone      = "done"
	uploadStatusError     = "error"
)

type uploadStatusResponse struct {
	Status       string        `json:"status"`
	Node         *Node         `json:"node"`
	ErrorDetails *apiErrorBody `json:"errorDetails"`
}

// Upload transfers data into the parent room or folder and returns the
// created node. The target's encryption flag and the instance's storage
// backend select one of four paths: presigned S3 parts or the API proxy
// channel, each with optional client-side encryption. Encrypted targets
// require the unlocked key pair (see Keypair).
func (c *Connected) Upload(ctx context.Context, parentID uint64, data io.Reader, opts UploadOptions) (*Node, error) {
	if parentID == 0 || opts.Name == "" {
		return nil, fmt.Errorf("dracoon: upload needs a parent id and a name: %w", ErrMissingArgument)
	}

	if opts.Size < 0 {
		return nil, fmt.Errorf("dracoon: negative upload size: %w", ErrMissingArgument)
	}

	if opts.Resolution == "" {
		opts.Resolution = ResolutionAutoRename
	}

	parent, err := c.NodeByID(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("dracoon: resolving upload target: %w", err)
	}

	info, err := c.SystemInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("dracoon: resolving storage backend: %w", err)
	}

	var fileKey *cryptox.FileKey

	size := opts.Size

	if parent.IsEncrypted {
		keypair, err := c.Keypair(ctx, "")
		if err != nil {
			return nil, err
		}

		ciphertext, key, err := encryptPayload(data, opts.Size)
		if err != nil {
			return nil, err
		}

		fileKey, err = cryptox.EncryptFileKey(key, keypair.PublicKey)
		key.Wipe()

		if err != nil {
			return nil, fmt.Errorf("dracoon: wrapping content key: %w", err)
		}

		data = bytes.NewReader(ciphertext)
		size = int64(len(ciphertext))
	}

	c.rest.logger.Info("starting upload",
		slog.String("name", opts.Name),
		slog.Int64("size", opts.Size),
		slog.Bool("encrypted", parent.IsEncrypted),
		slog.Bool("s3", info.UseS3Storage),
	)

	var node *Node

	if info.UseS3Storage {
		node, err = c.uploadS3(ctx, parentID, data, size, opts, fileKey)
	} else {
		node, err = c.uploadProxy(ctx, parentID, data, size, opts, fileKey)
	}

	if err != nil {
		return nil, err
	}

	if parent.IsEncrypted {
		// Other entitled users get their keys after the node exists.
		// The upload itself already succeeded, so distribution trouble
		// is reported but does not fail the call.
		if _, err := c.DistributeMissingKeys(ctx, node.ID); err != nil {
			c.rest.logger.Warn("distributing file keys failed",
				slog.Uint64("node_id", node.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return node, nil
}

// encryptPayload buffers exactly size bytes from data and encrypts them
// in one pass. The returned key carries the authentication tag.
func encryptPayload(data io.Reader, size int64) ([]byte, *cryptox.PlainFileKey, error) {
	enc, err := cryptox.NewEncrypter(size)
	if err != nil {
		return nil, nil, fmt.Errorf("dracoon: creating encrypter: %w", err)
	}

	plaintext := make([]byte, size)
	if _, err := io.ReadFull(data, plaintext); err != nil {
		return nil, nil, fmt.Errorf("dracoon: reading upload data: %w", err)
	}

	if err := enc.Update(plaintext); err != nil {
		return nil, nil, err
	}

	ciphertext, err := enc.Finalize()
	cryptox.Wipe(plaintext)

	if err != nil {
		return nil, nil, fmt.Errorf("dracoon: encrypting upload data: %w", err)
	}

	return ciphertext, enc.Key(), nil
}

func (c *Connected) createUpload(ctx context.Context, parentID uint64, size int64, opts UploadOptions, directS3 bool) (*createFileUploadResponse, error) {
	body := createFileUploadRequest{
		ParentID:       parentID,
		Name:           opts.Name,
		Size:           size,
		Classification: opts.Classification,
		DirectS3Upload: directS3,
	}

	if !opts.TimestampCreation.IsZero() {
		body.TimestampCreation = opts.TimestampCreation.Format(time.RFC3339)
	}

	if !opts.TimestampModification.IsZero() {
		body.TimestampModification = opts.TimestampModification.Format(time.RFC3339)
	}

	if !opts.ExpireAt.IsZero() {
		body.Expiration = &objectExpiration{
			EnableExpiration: true,
			ExpireAt:         opts.ExpireAt.Format(time.RFC3339),
		}
	}

	var channel createFileUploadResponse

	err := c.rest.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         apiPrefix + "/nodes/files/uploads",
		body:        jsonBody(body),
		contentType: "application/json",
		auth:        c.pool,
	}, &channel)
	if err != nil {
		return nil, err
	}

	return &channel, nil
}

// uploadS3 streams parts to presigned storage URLs, completes the
// upload and polls until the server assembled the node.
func (c *Connected) uploadS3(ctx context.Context, parentID uint64, data io.Reader, size int64, opts UploadOptions, fileKey *cryptox.FileKey) (*Node, error) {
	channel, err := c.createUpload(ctx, parentID, size, opts, true)
	if err != nil {
		return nil, err
	}

	parts, lastSize := calculateChunks(size, opts.chunkSize())
	chunk := make([]byte, opts.chunkSize())

	var (
		transferred int64
		etags       = make([]s3Part, 0, parts)
	)

	for part := int32(1); part <= parts; part++ {
		want := opts.chunkSize()
		if part == parts {
			want = lastSize
		}

		buf := chunk[:want]
		if _, err := io.ReadFull(data, buf); err != nil && want > 0 {
			return nil, fmt.Errorf("dracoon: reading part %d: %w", part, err)
		}

		target, err := c.presignedURL(ctx, channel.UploadID, part, want)
		if err != nil {
			return nil, err
		}

		etag, err := c.putPart(ctx, target, buf)
		if err != nil {
			return nil, fmt.Errorf("dracoon: uploading part %d: %w", part, err)
		}

		etags = append(etags, s3Part{PartNumber: part, PartEtag: etag})

		transferred += want
		if opts.Progress != nil {
			opts.Progress(transferred, size)
		}
	}

	complete := completeS3UploadRequest{
		Parts:              etags,
		ResolutionStrategy: opts.Resolution,
		KeepShareLinks:     opts.KeepShareLinks,
		FileKey:            fileKey,
	}

	err = c.rest.doJSON(ctx, request{
		method:      http.MethodPut,
		url:         apiPrefix + "/nodes/files/uploads/" + channel.UploadID + "/s3",
		body:        jsonBody(complete),
		contentType: "application/json",
		auth:        c.pool,
	}, nil)
	if err != nil {
		return nil, err
	}

	return c.pollUpload(ctx, channel.UploadID)
}

func (c *Connected) presignedURL(ctx context.Context, uploadID string, part int32, size int64) (string, error) {
	body := presignedURLRequest{
		Size:            size,
		FirstPartNumber: part,
		LastPartNumber:  part,
	}

	var list presignedURLList

	err := c.rest.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         apiPrefix + "/nodes/files/uploads/" + uploadID + "/s3_urls",
		body:        jsonBody(body),
		contentType: "application/json",
		auth:        c.pool,
	}, &list)
	if err != nil {
		return "", err
	}

	if len(list.URLs) == 0 {
		return "", fmt.Errorf("dracoon: no presigned URL for part %d: %w", part, ErrServerError)
	}

	return list.URLs[0].URL, nil
}

// putPart uploads one part to its presigned URL and returns the ETag,
// which the storage backend wraps in quotes.
func (c *Connected) putPart(ctx context.Context, url string, body []byte) (string, error) {
	resp, err := c.rest.do(ctx, request{
		method:      http.MethodPut,
		url:         url,
		body:        body,
		contentType: "application/octet-stream",
		storage:     true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// uploadProxy streams chunks through the API upload channel and
// finalizes it, which returns the node directly.
func (c *Connected) uploadProxy(ctx context.Context, parentID uint64, data io.Reader, size int64, opts UploadOptions, fileKey *cryptox.FileKey) (*Node, error) {
	channel, err := c.createUpload(ctx, parentID, size, opts, false)
	if err != nil {
		return nil, err
	}

	parts, lastSize := calculateChunks(size, opts.chunkSize())
	chunk := make([]byte, opts.chunkSize())

	var transferred int64

	for part := int32(1); part <= parts; part++ {
		want := opts.chunkSize()
		if part == parts {
			want = lastSize
		}

		buf := chunk[:want]
		if _, err := io.ReadFull(data, buf); err != nil && want > 0 {
			return nil, fmt.Errorf("dracoon: reading chunk %d: %w", part, err)
		}

		header := http.Header{
			"Content-Range": {contentRange(transferred, want, size)},
		}

		err = c.rest.doJSON(ctx, request{
			method:      http.MethodPost,
			url:         channel.UploadURL,
			body:        buf,
			contentType: "application/octet-stream",
			header:      header,
			auth:        c.pool,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("dracoon: uploading chunk %d: %w", part, err)
		}

		transferred += want
		if opts.Progress != nil {
			opts.Progress(transferred, size)
		}
	}

	complete := completeUploadRequest{
		ResolutionStrategy: opts.Resolution,
		KeepShareLinks:     opts.KeepShareLinks,
		FileName:           opts.Name,
		FileKey:            fileKey,
	}

	var node Node

	err = c.rest.doJSON(ctx, request{
		method:      http.MethodPut,
		url:         apiPrefix + "/uploads/" + channel.Token,
		body:        jsonBody(complete),
		contentType: "application/json",
		auth:        c.pool,
	}, &node)
	if err != nil {
		return nil, err
	}

	return &node, nil
}

// contentRange formats the Content-Range header for a chunk starting at
// offset with the given length.
func contentRange(offset, length, total int64) string {
	end := offset + length - 1
	if length == 0 {
		end = offset
	}

	return "bytes " + strconv.FormatInt(offset, 10) + "-" + strconv.FormatInt(end, 10) +
		"/" + strconv.FormatInt(total, 10)
}

// pollUpload watches the completion status of an S3 upload until the
// server reports done or error. The status is checked immediately;
// only a non-terminal answer sleeps, starting at 300 ms and doubling
// every round, so an already-finished upload never waits.
func (c *Connected) pollUpload(ctx context.Context, uploadID string) (*Node, error) {
	delay := pollingStartDelay

	for {
		var status uploadStatusResponse

		err := c.rest.doJSON(ctx, request{
			method: http.MethodGet,
			url:    apiPrefix + "/nodes/files/uploads/" + uploadID,
			auth:   c.pool,
		}, &status)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case uploadStatusDone:
			if status.Node == nil {
				return nil, fmt.Errorf("dracoon: upload done without node: %w", ErrServerError)
			}

			return status.Node, nil
		case uploadStatusError:
			if status.ErrorDetails != nil {
				return nil, fmt.Errorf("dracoon: %s: %w", status.ErrorDetails.Message, ErrUploadFailed)
			}

			return nil, ErrUploadFailed
		case uploadStatusTransfer, uploadStatusFinishing:
			c.rest.logger.Debug("upload in progress",
				slog.String("upload_id", uploadID),
				slog.String("status", status.Status),
				slog.Duration("next_poll", delay),
			)
		default:
			return nil, fmt.Errorf("dracoon: unexpected upload status %q: %w", status.Status, ErrServerError)
		}

		if err := c.rest.sleepFunc(ctx, delay); err != nil {
			return nil, fmt.Errorf("dracoon: upload polling canceled: %w", err)
		}

		delay *= 2
	}
}
