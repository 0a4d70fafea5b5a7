package dracoon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/unbekanntes-pferd/dracoon-go/cryptox"
)

const keypairPath = apiPrefix + "/user/account/keypair"

// Keypair returns the caller's unlocked key pair. The first call needs
// the encryption passphrase to decrypt the stored private key
// container; the result is cached for the session, and later calls may
// pass an empty secret. An empty secret without a cached pair returns
// ErrMissingEncryptionSecret.
func (c *Connected) Keypair(ctx context.Context, secret string) (*cryptox.PlainUserKeyPair, error) {
	c.keypairMu.Lock()
	defer c.keypairMu.Unlock()

	if c.keypair != nil {
		return c.keypair, nil
	}

	if secret == "" {
		return nil, ErrMissingEncryptionSecret
	}

	var container cryptox.UserKeyPairContainer

	err := c.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    keypairPath,
		auth:   c.pool,
	}, &container)
	if err != nil {
		return nil, err
	}

	keypair, err := cryptox.DecryptKeyPair(&container, secret)
	if err != nil {
		return nil, fmt.Errorf("dracoon: unlocking key pair: %w", err)
	}

	c.keypair = keypair

	return c.keypair, nil
}

// SetKeypair generates a fresh RSA-4096 key pair, seals the private key
// with the passphrase and stores the container on the server. The new
// pair replaces any cached one.
func (c *Connected) SetKeypair(ctx context.Context, secret string) error {
	if secret == "" {
		return ErrMissingEncryptionSecret
	}

	keypair, err := cryptox.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("dracoon: generating key pair: %w", err)
	}

	container, err := cryptox.EncryptKeyPair(keypair, secret)
	if err != nil {
		return fmt.Errorf("dracoon: sealing key pair: %w", err)
	}

	err = c.rest.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         keypairPath,
		body:        jsonBody(container),
		contentType: "application/json",
		auth:        c.pool,
	}, nil)
	if err != nil {
		return err
	}

	c.keypairMu.Lock()
	c.keypair = keypair
	c.keypairMu.Unlock()

	return nil
}

// DeleteKeypair removes the stored key pair. Files encrypted for it
// become unreadable unless another entitled key holds their keys.
func (c *Connected) DeleteKeypair(ctx context.Context) error {
	err := c.rest.doJSON(ctx, request{
		method: http.MethodDelete,
		url:    keypairPath,
		auth:   c.pool,
	}, nil)
	if err != nil {
		return err
	}

	c.keypairMu.Lock()
	c.keypair = nil
	c.keypairMu.Unlock()

	return nil
}
