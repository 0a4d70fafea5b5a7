package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	dracoon "github.com/unbekanntes-pferd/dracoon-go"
)

func newDownloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <node-id>",
		Short: "Download a file node to the local filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			nodeID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || nodeID == 0 {
				return fmt.Errorf("invalid node id %q", args[0])
			}

			return runDownload(nodeID, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path (defaults to the node name)")

	return cmd
}

func runDownload(nodeID uint64, output string) error {
	ctx := context.Background()

	connected, err := connectFromToken(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = connected.Disconnect(ctx, &dracoon.DisconnectOptions{SkipRevocation: true})
	}()

	node, err := connected.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}

	if node.Type != dracoon.NodeTypeFile {
		return fmt.Errorf("node %d is a %s, not a file", nodeID, node.Type)
	}

	if node.IsEncrypted {
		if err := unlockKeypair(ctx, connected); err != nil {
			return err
		}
	}

	if output == "" {
		output = node.Name
	}

	// Download into a temp file next to the target so a failed transfer
	// never leaves a partial file at the destination.
	dir := filepath.Dir(output)

	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	opts := dracoon.DownloadOptions{}

	if isatty.IsTerminal(os.Stderr.Fd()) && !flagQuiet {
		opts.Progress = func(transferred, total int64) {
			renderProgress(node.Name, transferred, total)
		}
		defer fmt.Fprintln(os.Stderr)
	}

	if err := connected.Download(ctx, nodeID, tmp, opts); err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, output); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}

	success = true

	statusf("Downloaded node %d -> %s (%d bytes)\n", nodeID, output, node.Size)

	return nil
}
