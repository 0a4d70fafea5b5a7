package dracoon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/unbekanntes-pferd/dracoon-go/cryptox"
)

// NodeType discriminates rooms, folders and files.
type NodeType string

const (
	NodeTypeRoom   NodeType = "room"
	NodeTypeFolder NodeType = "folder"
	NodeTypeFile   NodeType = "file"
)

// Node is a file system entry. Uploads land in rooms or folders; the
// IsEncrypted flag of the target decides whether the transfer engine
// encrypts client-side.
type Node struct {
	ID          uint64    `json:"id"`
	ParentID    uint64    `json:"parentId,omitempty"`
	Type        NodeType  `json:"type"`
	Name        string    `json:"name"`
	ParentPath  string    `json:"parentPath,omitempty"`
	Size        int64     `json:"size,omitempty"`
	IsEncrypted bool      `json:"isEncrypted,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// NodeByID fetches a single node.
func (c *Connected) NodeByID(ctx context.Context, id uint64) (*Node, error) {
	var node Node

	err := c.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    apiPrefix + "/nodes/" + strconv.FormatUint(id, 10),
		auth:   c.pool,
	}, &node)
	if err != nil {
		return nil, err
	}

	return &node, nil
}

// SystemInfo is the public system configuration. UseS3Storage selects
// the upload path: direct presigned S3 parts versus the API proxy
// channel.
type SystemInfo struct {
	LanguageDefault        string `json:"languageDefault"`
	UseS3Storage           bool   `json:"useS3Storage"`
	S3EnforceDirectUpload  bool   `json:"s3EnforceDirectUpload"`
	HideLoginInputFields   bool   `json:"hideLoginInputFields"`
	MFAEnforcedForAllUsers bool   `json:"mfaEnforced"`
}

// SystemInfo fetches the public system configuration, cached for the
// session. The storage backend does not change while connected.
func (c *Connected) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()

	if c.sysInfo != nil {
		return c.sysInfo, nil
	}

	var info SystemInfo

	err := c.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    apiPrefix + "/public/system/info",
	}, &info)
	if err != nil {
		return nil, err
	}

	c.sysInfo = &info

	return c.sysInfo, nil
}

// SoftwareVersion is the public version endpoint's body.
type SoftwareVersion struct {
	RestAPIVersion   string    `json:"restApiVersion"`
	SdsServerVersion string    `json:"sdsServerVersion"`
	BuildDate        time.Time `json:"buildDate"`
}

// SoftwareVersion fetches the server software version.
func (c *Connected) SoftwareVersion(ctx context.Context) (*SoftwareVersion, error) {
	var version SoftwareVersion

	err := c.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    apiPrefix + "/public/software/version",
	}, &version)
	if err != nil {
		return nil, err
	}

	return &version, nil
}

// missingKeysResponse lists users lacking a file key, with the lookup
// tables needed to produce one.
type missingKeysResponse struct {
	Items []missingKeyItem `json:"items"`
	Users []missingKeyUser `json:"users"`
	Files []missingKeyFile `json:"files"`
}

type missingKeyItem struct {
	UserID uint64 `json:"userId"`
	FileID uint64 `json:"fileId"`
}

type missingKeyUser struct {
	ID                 uint64                     `json:"id"`
	PublicKeyContainer cryptox.PublicKeyContainer `json:"publicKeyContainer"`
}

type missingKeyFile struct {
	ID               uint64          `json:"id"`
	FileKeyContainer cryptox.FileKey `json:"fileKeyContainer"`
}

type userFileKeySetRequest struct {
	Items []userFileKeySetItem `json:"items"`
}

type userFileKeySetItem struct {
	FileID  uint64          `json:"fileId"`
	UserID  uint64          `json:"userId"`
	FileKey cryptox.FileKey `json:"fileKey"`
}

// DistributeMissingKeys grants other entitled users access to encrypted
// files by re-wrapping content keys under their public keys. With
// fileID zero it sweeps all files the caller can rekey. Requires the
// unlocked key pair; the number of distributed keys is returned.
func (c *Connected) DistributeMissingKeys(ctx context.Context, fileID uint64) (int, error) {
	keypair, err := c.Keypair(ctx, "")
	if err != nil {
		return 0, err
	}

	var distributed int

	for {
		batch, err := c.missingKeys(ctx, fileID)
		if err != nil {
			return distributed, err
		}

		if len(batch.Items) == 0 {
			return distributed, nil
		}

		users := make(map[uint64]cryptox.PublicKeyContainer, len(batch.Users))
		for _, u := range batch.Users {
			users[u.ID] = u.PublicKeyContainer
		}

		files := make(map[uint64]cryptox.FileKey, len(batch.Files))
		for _, f := range batch.Files {
			files[f.ID] = f.FileKeyContainer
		}

		set := userFileKeySetRequest{Items: make([]userFileKeySetItem, 0, len(batch.Items))}

		for _, item := range batch.Items {
			pub, ok := users[item.UserID]
			if !ok {
				continue
			}

			wrapped, ok := files[item.FileID]
			if !ok {
				continue
			}

			plain, err := cryptox.DecryptFileKey(&wrapped, keypair)
			if err != nil {
				return distributed, fmt.Errorf("dracoon: unwrapping key for file %d: %w", item.FileID, err)
			}

			rewrapped, err := cryptox.EncryptFileKey(plain, pub)
			plain.Wipe()

			if err != nil {
				return distributed, fmt.Errorf("dracoon: rewrapping key for user %d: %w", item.UserID, err)
			}

			set.Items = append(set.Items, userFileKeySetItem{
				FileID:  item.FileID,
				UserID:  item.UserID,
				FileKey: *rewrapped,
			})
		}

		// A full batch without a single resolvable lookup would be
		// refetched verbatim forever; nothing was posted, so the next
		// page would be identical.
		if len(set.Items) == 0 && len(batch.Items) >= missingKeysBatch {
			c.rest.logger.Warn("missing key batch has no usable lookups, stopping sweep",
				slog.Uint64("file_id", fileID),
				slog.Int("items", len(batch.Items)),
			)

			return distributed, nil
		}

		if len(set.Items) > 0 {
			err = c.rest.doJSON(ctx, request{
				method:      http.MethodPost,
				url:         apiPrefix + "/nodes/files/keys",
				body:        jsonBody(set),
				contentType: "application/json",
				auth:        c.pool,
			}, nil)
			if err != nil {
				return distributed, err
			}

			distributed += len(set.Items)
		}

		c.rest.logger.Debug("distributed file keys",
			slog.Uint64("file_id", fileID),
			slog.Int("batch", len(set.Items)),
		)

		if len(batch.Items) < missingKeysBatch {
			return distributed, nil
		}
	}
}

func (c *Connected) missingKeys(ctx context.Context, fileID uint64) (*missingKeysResponse, error) {
	url := apiPrefix + "/nodes/missingFileKeys?limit=" + strconv.Itoa(missingKeysBatch)
	if fileID != 0 {
		url += "&file_id=" + strconv.FormatUint(fileID, 10)
	}

	var batch missingKeysResponse

	err := c.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    url,
		auth:   c.pool,
	}, &batch)
	if err != nil {
		return nil, err
	}

	return &batch, nil
}
