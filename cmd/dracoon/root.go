package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	dracoon "github.com/unbekanntes-pferd/dracoon-go"
	"github.com/unbekanntes-pferd/dracoon-go/internal/config"
	"github.com/unbekanntes-pferd/dracoon-go/internal/tokenfile"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg *config.Config

// httpClientTimeout bounds individual HTTP requests so hung connections
// cannot block CLI commands indefinitely.
const httpClientTimeout = 120 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dracoon",
		Short:   "DRACOON CLI client",
		Long:    "A command line client for DRACOON cloud storage with end-to-end encryption support.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			resolved, err := config.Resolve(flagConfigPath)
			if err != nil {
				return err
			}

			cfg = resolved

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newAuthCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newDownloadCmd())

	return cmd
}

// buildLogger creates an slog.Logger from the config log level, with
// --verbose and --quiet taking precedence.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildClient assembles a disconnected client from the loaded config.
func buildClient() (*dracoon.Client, error) {
	builder := dracoon.NewBuilder().
		WithBaseURL(cfg.BaseURL).
		WithClientID(cfg.ClientID).
		WithClientSecret(cfg.ClientSecret).
		WithTokenRotation(cfg.TokenRotation).
		WithUserAgent("dracoon-cli/"+version).
		WithHTTPClient(&http.Client{Timeout: httpClientTimeout}).
		WithLogger(buildLogger())

	if cfg.RedirectURI != "" {
		builder = builder.WithRedirectURI(cfg.RedirectURI)
	}

	return builder.Build()
}

// connectFromToken resumes a session from the stored refresh token and
// persists the rotated token for the next invocation.
func connectFromToken(ctx context.Context) (*dracoon.Connected, error) {
	tf, err := tokenfile.Load(cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	if tf == nil {
		return nil, fmt.Errorf("not logged in, run `dracoon auth login` first")
	}

	client, err := buildClient()
	if err != nil {
		return nil, err
	}

	connected, err := client.Connect(ctx, dracoon.RefreshTokenFlow(tf.RefreshToken))
	if err != nil {
		return nil, err
	}

	// Refresh grants rotate the token; store the fresh one.
	tf.RefreshToken = connected.Connection().RefreshToken.Reveal()
	if err := tokenfile.Save(cfg.TokenPath, tf); err != nil {
		return nil, err
	}

	return connected, nil
}

// statusf prints informational output unless --quiet is set.
func statusf(format string, args ...any) {
	if flagQuiet {
		return
	}

	fmt.Printf(format, args...)
}
