package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	dracoon "github.com/unbekanntes-pferd/dracoon-go"
)

func newUploadCmd() *cobra.Command {
	var (
		parallel   int
		overwrite  bool
		classLevel int
	)

	cmd := &cobra.Command{
		Use:   "upload <parent-node-id> <file>...",
		Short: "Upload files into a DRACOON node",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			parentID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || parentID == 0 {
				return fmt.Errorf("invalid parent node id %q", args[0])
			}

			return runUpload(parentID, args[1:], parallel, overwrite, classLevel)
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 2, "number of concurrent uploads")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing files instead of renaming")
	cmd.Flags().IntVar(&classLevel, "classification", 0, "classification level (1-4, 0 keeps the room default)")

	return cmd
}

func runUpload(parentID uint64, paths []string, parallel int, overwrite bool, classLevel int) error {
	ctx := context.Background()

	connected, err := connectFromToken(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = connected.Disconnect(ctx, &dracoon.DisconnectOptions{SkipRevocation: true})
	}()

	// Encrypted rooms need the unlocked keypair before any upload starts.
	// Probing the parent once avoids prompting for the passphrase from
	// several goroutines at the same time.
	parent, err := connected.NodeByID(ctx, parentID)
	if err != nil {
		return err
	}

	if parent.IsEncrypted {
		if err := unlockKeypair(ctx, connected); err != nil {
			return err
		}
	}

	if parallel < 1 {
		parallel = 1
	}

	interactive := isatty.IsTerminal(os.Stderr.Fd()) && !flagQuiet

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)

	var uploaded atomic.Int64

	for _, path := range paths {
		group.Go(func() error {
			node, err := uploadOne(gctx, connected, parentID, path, overwrite, classLevel, interactive && len(paths) == 1)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", path, err)
			}

			done := uploaded.Add(1)
			statusf("Uploaded %s -> node %d (%d/%d)\n", path, node.ID, done, len(paths))

			return nil
		})
	}

	return group.Wait()
}

func uploadOne(ctx context.Context, connected *dracoon.Connected, parentID uint64, path string, overwrite bool, classLevel int, showProgress bool) (*dracoon.Node, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	opts := dracoon.UploadOptions{
		Name:                  filepath.Base(path),
		Size:                  info.Size(),
		TimestampModification: info.ModTime(),
	}

	if overwrite {
		opts.Resolution = dracoon.ResolutionOverwrite
	}

	if classLevel > 0 {
		opts.Classification = classLevel
	}

	if showProgress {
		opts.Progress = func(transferred, total int64) {
			renderProgress(opts.Name, transferred, total)
		}
	}

	node, err := connected.Upload(ctx, parentID, file, opts)
	if showProgress {
		fmt.Fprintln(os.Stderr)
	}

	return node, err
}

// unlockKeypair fetches the encryption keypair, prompting for the
// passphrase when no cached keypair is available.
func unlockKeypair(ctx context.Context, connected *dracoon.Connected) error {
	_, err := connected.Keypair(ctx, "")
	if !errors.Is(err, dracoon.ErrMissingEncryptionSecret) {
		return err
	}

	secret, err := promptSecret("Encryption passphrase: ")
	if err != nil {
		return err
	}

	_, err = connected.Keypair(ctx, secret)

	return err
}

func renderProgress(name string, transferred, total int64) {
	if total <= 0 {
		fmt.Fprintf(os.Stderr, "\r%s: %d bytes", name, transferred)

		return
	}

	fmt.Fprintf(os.Stderr, "\r%s: %3d%% (%d/%d bytes)", name, transferred*100/total, transferred, total)
}
