// Package tokenfile persists the refresh token between CLI sessions.
// Token files are owner-only and written atomically so an interrupted
// save never leaves a truncated file behind.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// File is the on-disk format. The refresh token is enough to start a
// new session; base URL and user are cached for display only.
type File struct {
	RefreshToken string    `json:"refresh_token"`
	BaseURL      string    `json:"base_url,omitempty"`
	User         string    `json:"user,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Load reads a saved token file. Returns (nil, nil) if the file does
// not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.RefreshToken == "" {
		return nil, fmt.Errorf("tokenfile: %s missing refresh token (re-login required)", path)
	}

	return &tf, nil
}

// Save writes a token file atomically (write-to-temp + rename) with
// 0600 permissions. Never logs token values.
func Save(path string, tf *File) error {
	tf.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Temp file in the same directory guarantees same filesystem for
	// rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()

		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush before rename so a power loss cannot leave an empty file
	// at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes a token file. Missing files are not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
