package dracoon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/unbekanntes-pferd/dracoon-go/cryptox"
)

// Builder configures and constructs clients. Zero value is not usable;
// start with NewBuilder and chain the With methods.
type Builder struct {
	baseURL       string
	clientID      string
	clientSecret  string
	redirectURI   string
	userAgent     string
	httpClient    *http.Client
	logger        *slog.Logger
	tokenRotation int
	retries       int
	minDelay      time.Duration
	maxDelay      time.Duration
}

// NewBuilder returns a Builder with service default retry bounds and a
// rotation pool of one token.
func NewBuilder() *Builder {
	return &Builder{
		userAgent:     defaultUserAgent,
		tokenRotation: minTokenRotation,
		retries:       maxRetries,
		minDelay:      minRetryDelay,
		maxDelay:      maxRetryDelay,
	}
}

// WithBaseURL sets the DRACOON instance URL, e.g.
// "https://dracoon.team". Required.
func (b *Builder) WithBaseURL(u string) *Builder {
	b.baseURL = u

	return b
}

// WithClientID sets the OAuth2 client id. Required for Build.
func (b *Builder) WithClientID(id string) *Builder {
	b.clientID = id

	return b
}

// WithClientSecret sets the OAuth2 client secret. Required for Build.
func (b *Builder) WithClientSecret(secret string) *Builder {
	b.clientSecret = secret

	return b
}

// WithRedirectURI sets the redirect URI for the authorization code
// flow. Defaults to {base}/oauth/callback.
func (b *Builder) WithRedirectURI(uri string) *Builder {
	b.redirectURI = uri

	return b
}

// WithUserAgent appends a product suffix to the default User-Agent.
func (b *Builder) WithUserAgent(suffix string) *Builder {
	b.userAgent = defaultUserAgent + " " + suffix

	return b
}

// WithHTTPClient overrides the HTTP client, e.g. for custom TLS or
// proxy settings.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c

	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l

	return b
}

// WithTokenRotation sets the rotation pool size. Values are clamped to
// [1, 5]; Connect performs size-1 extra refresh exchanges.
func (b *Builder) WithTokenRotation(n int) *Builder {
	b.tokenRotation = n

	return b
}

// WithRetryBounds overrides the retry budget. All values are clamped to
// the service limits (5 attempts, 600 ms to 20 s delay).
func (b *Builder) WithRetryBounds(retries int, minDelay, maxDelay time.Duration) *Builder {
	b.retries = retries
	b.minDelay = minDelay
	b.maxDelay = maxDelay

	return b
}

// Build validates the configuration and returns a disconnected client.
func (b *Builder) Build() (*Client, error) {
	if b.clientID == "" {
		return nil, ErrMissingClientID
	}

	if b.clientSecret == "" {
		return nil, ErrMissingClientSecret
	}

	rest, err := b.buildRest()
	if err != nil {
		return nil, err
	}

	redirectURI := b.redirectURI
	if redirectURI == "" {
		redirectURI = rest.baseURL + "/oauth/callback"
	}

	return &Client{
		rest: rest,
		oauth: &oauthClient{
			rest:         rest,
			clientID:     b.clientID,
			clientSecret: NewSecret(b.clientSecret),
			redirectURI:  redirectURI,
		},
		tokenRotation: clamp(b.tokenRotation, minTokenRotation, maxTokenRotation),
	}, nil
}

// BuildProvisioning returns a provisioning client authenticating with
// the X-Sds-Service-Token header instead of OAuth2.
func (b *Builder) BuildProvisioning(serviceToken string) (*Provisioning, error) {
	if serviceToken == "" {
		return nil, fmt.Errorf("dracoon: service token is required: %w", ErrMissingArgument)
	}

	rest, err := b.buildRest()
	if err != nil {
		return nil, err
	}

	return &Provisioning{
		rest:         rest,
		serviceToken: NewSecret(serviceToken),
	}, nil
}

func (b *Builder) buildRest() (*rest, error) {
	if b.baseURL == "" {
		return nil, ErrMissingBaseURL
	}

	parsed, err := url.Parse(b.baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("dracoon: parsing base URL %q: %w", b.baseURL, ErrInvalidURL)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	minDelay := clampDuration(b.minDelay, minRetryDelay, maxRetryDelay)
	maxDelay := clampDuration(b.maxDelay, minDelay, maxRetryDelay)

	return &rest{
		baseURL:    strings.TrimRight(b.baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		userAgent:  b.userAgent,
		retries:    clamp(b.retries, 0, maxRetries),
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		sleepFunc:  timeSleep,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// Client is a configured but unauthenticated client. Connect consumes
// it and returns the authenticated state; no API operation is reachable
// before that.
type Client struct {
	rest          *rest
	oauth         *oauthClient
	tokenRotation int
}

// AuthorizeURL builds the authorization endpoint URL for the
// authorization code flow. Send the user there; the code delivered to
// the redirect URI feeds AuthCodeFlow.
func (c *Client) AuthorizeURL() string {
	cfg := oauth2.Config{
		ClientID:    c.oauth.clientID,
		RedirectURL: c.oauth.redirectURI,
		Scopes:      []string{"all"},
		Endpoint: oauth2.Endpoint{
			AuthURL: c.rest.baseURL + "/oauth/authorize",
		},
	}

	return cfg.AuthCodeURL("")
}

// Connect performs the initial grant for the flow plus the extra
// refresh exchanges needed to fill the rotation pool, and returns the
// authenticated client. Pre-issued tokens cannot refresh, so they force
// a pool of one.
func (c *Client) Connect(ctx context.Context, flow OAuth2Flow) (*Connected, error) {
	conn, err := c.oauth.token(ctx, flow)
	if err != nil {
		return nil, err
	}

	rotation := c.tokenRotation
	if flow.grant == grantPreIssued {
		rotation = 1
	}

	conns := make([]Connection, 0, rotation)
	conns = append(conns, conn)

	for i := 1; i < rotation; i++ {
		next, err := c.oauth.refresh(ctx, conns[i-1].RefreshToken.Reveal())
		if err != nil {
			return nil, fmt.Errorf("dracoon: filling token pool (%d of %d): %w", i+1, rotation, err)
		}

		conns = append(conns, next)
	}

	c.rest.logger.Info("connected",
		slog.String("base_url", c.rest.baseURL),
		slog.Int("token_pool", len(conns)),
	)

	return &Connected{
		rest:          c.rest,
		oauth:         c.oauth,
		pool:          newTokenPool(c.oauth, conns),
		tokenRotation: c.tokenRotation,
	}, nil
}

// Connected is an authenticated session. All API operations hang off
// this type. It is safe for concurrent use.
type Connected struct {
	rest          *rest
	oauth         *oauthClient
	pool          *tokenPool
	tokenRotation int

	keypairMu sync.Mutex
	keypair   *cryptox.PlainUserKeyPair

	sysMu   sync.Mutex
	sysInfo *SystemInfo
}

// Connection returns a snapshot of the primary connection. Persist its
// refresh token to reconnect later with RefreshTokenFlow.
func (c *Connected) Connection() Connection {
	return c.pool.main()
}

// DisconnectOptions controls token revocation on disconnect. The
// zero value revokes access tokens only.
type DisconnectOptions struct {
	// RevokeRefreshTokens also invalidates the refresh tokens, so the
	// session cannot be resumed.
	RevokeRefreshTokens bool

	// SkipRevocation drops the tokens locally without calling the
	// revocation endpoint, e.g. when the tokens are persisted for a
	// later session.
	SkipRevocation bool
}

// Disconnect revokes the pooled tokens, wipes all secret material and
// returns a disconnected client with the same configuration. The
// session is unusable afterwards regardless of revocation errors.
func (c *Connected) Disconnect(ctx context.Context, opts *DisconnectOptions) (*Client, error) {
	if opts == nil {
		opts = &DisconnectOptions{}
	}

	var revokeErr error

	if !opts.SkipRevocation {
		for _, conn := range c.pool.snapshot() {
			if err := c.oauth.revoke(ctx, "access_token", conn.AccessToken); err != nil {
				revokeErr = errors.Join(revokeErr, err)
			}

			if opts.RevokeRefreshTokens && !conn.RefreshToken.IsZero() {
				if err := c.oauth.revoke(ctx, "refresh_token", conn.RefreshToken); err != nil {
					revokeErr = errors.Join(revokeErr, err)
				}
			}
		}
	}

	c.pool.wipe()

	c.keypairMu.Lock()
	c.keypair = nil
	c.keypairMu.Unlock()

	c.rest.logger.Info("disconnected", slog.String("base_url", c.rest.baseURL))

	client := &Client{
		rest:          c.rest,
		oauth:         c.oauth,
		tokenRotation: c.tokenRotation,
	}

	if revokeErr != nil {
		return client, fmt.Errorf("dracoon: revoking tokens: %w", revokeErr)
	}

	return client, nil
}

// Provisioning is a client for the customer provisioning API,
// authenticated with a service token.
type Provisioning struct {
	rest         *rest
	serviceToken Secret
}
