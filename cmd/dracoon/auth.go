package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	dracoon "github.com/unbekanntes-pferd/dracoon-go"
	"github.com/unbekanntes-pferd/dracoon-go/internal/tokenfile"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
	}

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLogoutCmd())

	return cmd
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with username and password",
		RunE:  runLogin,
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the authenticated user and token details",
		RunE:  runStatus,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke tokens and remove the saved session",
		RunE:  runLogout,
	}
}

func runLogin(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	username, err := promptLine("Username: ")
	if err != nil {
		return err
	}

	password, err := promptSecret("Password: ")
	if err != nil {
		return err
	}

	client, err := buildClient()
	if err != nil {
		return err
	}

	connected, err := client.Connect(ctx, dracoon.PasswordFlow(username, password))
	if err != nil {
		return err
	}

	err = tokenfile.Save(cfg.TokenPath, &tokenfile.File{
		RefreshToken: connected.Connection().RefreshToken.Reveal(),
		BaseURL:      cfg.BaseURL,
		User:         username,
	})
	if err != nil {
		return err
	}

	// The session served its purpose; keep the stored refresh token
	// usable for later commands.
	if _, err := connected.Disconnect(ctx, &dracoon.DisconnectOptions{SkipRevocation: true}); err != nil {
		return err
	}

	statusf("Login successful.\n")

	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	connected, err := connectFromToken(ctx)
	if err != nil {
		return err
	}

	conn := connected.Connection()

	// Access tokens are JWTs; show the claims without verifying the
	// signature, which only the server can do.
	claims := jwt.MapClaims{}

	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(conn.AccessToken.Reveal(), claims); err != nil {
		return fmt.Errorf("parsing access token: %w", err)
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		statusf("Subject:    %s\n", sub)
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		statusf("Expires:    %s\n", exp.Format(time.RFC3339))
	}

	if scope, ok := claims["scope"].(string); ok {
		statusf("Scope:      %s\n", scope)
	}

	statusf("Token pool: %d\n", cfg.TokenRotation)

	_, err = connected.Disconnect(ctx, &dracoon.DisconnectOptions{SkipRevocation: true})

	return err
}

func runLogout(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	tf, err := tokenfile.Load(cfg.TokenPath)
	if err != nil {
		return err
	}

	if tf != nil {
		client, err := buildClient()
		if err != nil {
			return err
		}

		connected, err := client.Connect(ctx, dracoon.RefreshTokenFlow(tf.RefreshToken))
		if err == nil {
			// Best effort: a failed revocation still removes the local
			// session.
			if _, err := connected.Disconnect(ctx, &dracoon.DisconnectOptions{RevokeRefreshTokens: true}); err != nil {
				buildLogger().Warn("token revocation failed", "error", err)
			}
		}
	}

	if err := tokenfile.Remove(cfg.TokenPath); err != nil {
		return err
	}

	statusf("Logged out.\n")

	return nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimSpace(line), nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}

	return string(secret), nil
}
