package dracoon

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// NeverExpires marks a connection whose access token has no known
// lifetime, such as a pre-issued token. IsExpired is always false for it.
const NeverExpires uint64 = math.MaxUint64

// Token rotation pool bounds. Configured sizes are clamped into this
// range by the Builder.
const (
	minTokenRotation = 1
	maxTokenRotation = 5
)

// OAuth2 grant identifiers on the wire.
const (
	grantPassword     = "password"
	grantAuthCode     = "authorization_code"
	grantRefreshToken = "refresh_token"
	grantPreIssued    = "pre_issued" // local only, never sent

	tokenPath  = "/oauth/token"
	revokePath = "/oauth/revoke"
)

// OAuth2Flow selects how Connect obtains the first token. Construct one
// with PasswordFlow, AuthCodeFlow, RefreshTokenFlow or PreIssuedToken.
type OAuth2Flow struct {
	grant        string
	username     string
	password     Secret
	code         string
	refreshToken Secret
	accessToken  Secret
}

// PasswordFlow authenticates with the resource owner password grant.
// Only works for local accounts without enforced MFA.
func PasswordFlow(username, password string) OAuth2Flow {
	return OAuth2Flow{grant: grantPassword, username: username, password: NewSecret(password)}
}

// AuthCodeFlow redeems an authorization code obtained by sending the
// user to the URL from Client.AuthorizeURL.
func AuthCodeFlow(code string) OAuth2Flow {
	return OAuth2Flow{grant: grantAuthCode, code: code}
}

// RefreshTokenFlow authenticates with a stored refresh token.
func RefreshTokenFlow(token string) OAuth2Flow {
	return OAuth2Flow{grant: grantRefreshToken, refreshToken: NewSecret(token)}
}

// PreIssuedToken uses an externally obtained access token as-is. No
// token exchange happens, the token never refreshes, and the rotation
// pool is forced to size 1.
func PreIssuedToken(token string) OAuth2Flow {
	return OAuth2Flow{grant: grantPreIssued, accessToken: NewSecret(token)}
}

// Connection is one issued token pair with its lifetime.
type Connection struct {
	AccessToken  Secret
	RefreshToken Secret

	// ExpiresIn is the token lifetime in seconds as issued, or
	// NeverExpires.
	ExpiresIn uint64

	// IssuedAt anchors the lifetime.
	IssuedAt time.Time
}

// IsExpired reports whether the access token's lifetime has elapsed.
// The token stays valid through the full last second of its lifetime.
func (c Connection) IsExpired() bool {
	if c.ExpiresIn == NeverExpires {
		return false
	}

	if c.ExpiresIn > uint64(math.MaxInt64/int64(time.Second)) {
		return false
	}

	return time.Since(c.IssuedAt) > time.Duration(c.ExpiresIn)*time.Second
}

// wipe zeroes both tokens.
func (c *Connection) wipe() {
	c.AccessToken.Wipe()
	c.RefreshToken.Wipe()
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    uint64 `json:"expires_in"`
}

func (t tokenResponse) connection(issuedAt time.Time) Connection {
	return Connection{
		AccessToken:  NewSecret(t.AccessToken),
		RefreshToken: NewSecret(t.RefreshToken),
		ExpiresIn:    t.ExpiresIn,
		IssuedAt:     issuedAt,
	}
}

// oauthClient speaks the token and revocation endpoints. It is shared
// by the disconnected client (initial grant) and the token pool
// (refresh on expiry).
type oauthClient struct {
	rest         *rest
	clientID     string
	clientSecret Secret
	redirectURI  string
}

// basicAuth builds the HTTP Basic header value for client
// authentication: base64url without padding over "id:secret".
func (o *oauthClient) basicAuth() string {
	creds := o.clientID + ":" + o.clientSecret.Reveal()

	return "Basic " + base64.RawURLEncoding.EncodeToString([]byte(creds))
}

// token performs the initial grant for a flow. Pre-issued tokens skip
// the endpoint entirely.
func (o *oauthClient) token(ctx context.Context, flow OAuth2Flow) (Connection, error) {
	switch flow.grant {
	case grantPreIssued:
		return Connection{
			AccessToken: flow.accessToken,
			ExpiresIn:   NeverExpires,
			IssuedAt:    time.Now(),
		}, nil
	case grantPassword:
		form := url.Values{
			"grant_type": {grantPassword},
			"username":   {flow.username},
			"password":   {flow.password.Reveal()},
		}

		// The password grant authenticates the client through the
		// Basic header; the other grants carry the client credentials
		// in the form body.
		header := http.Header{"Authorization": {o.basicAuth()}}

		return o.exchange(ctx, form, header)
	case grantAuthCode:
		form := url.Values{
			"grant_type":    {grantAuthCode},
			"code":          {flow.code},
			"client_id":     {o.clientID},
			"client_secret": {o.clientSecret.Reveal()},
			"redirect_uri":  {o.redirectURI},
		}

		return o.exchange(ctx, form, nil)
	case grantRefreshToken:
		return o.refresh(ctx, flow.refreshToken.Reveal())
	default:
		return Connection{}, fmt.Errorf("dracoon: unsupported OAuth2 flow: %w", ErrMissingArgument)
	}
}

// refresh exchanges a refresh token for a new token pair.
func (o *oauthClient) refresh(ctx context.Context, refreshToken string) (Connection, error) {
	form := url.Values{
		"grant_type":    {grantRefreshToken},
		"refresh_token": {refreshToken},
		"client_id":     {o.clientID},
		"client_secret": {o.clientSecret.Reveal()},
	}

	return o.exchange(ctx, form, nil)
}

func (o *oauthClient) exchange(ctx context.Context, form url.Values, header http.Header) (Connection, error) {
	issuedAt := time.Now()

	var token tokenResponse

	err := o.rest.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         tokenPath,
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		header:      header,
		oauth:       true,
	}, &token)
	if err != nil {
		return Connection{}, err
	}

	return token.connection(issuedAt), nil
}

// revoke invalidates a single token at the revocation endpoint.
func (o *oauthClient) revoke(ctx context.Context, hint string, token Secret) error {
	form := url.Values{
		"token_type_hint": {hint},
		"token":           {token.Reveal()},
		"client_id":       {o.clientID},
		"client_secret":   {o.clientSecret.Reveal()},
	}

	return o.rest.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         revokePath,
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		oauth:       true,
	}, nil)
}

// tokenPool hands out Authorization headers round-robin over its
// connections. One mutex guards the whole read-decide-write sequence so
// concurrent callers never observe a half-rotated state or race a
// refresh.
type tokenPool struct {
	mu     sync.Mutex
	conns  []Connection
	cursor int
	oauth  *oauthClient
}

func newTokenPool(oauth *oauthClient, conns []Connection) *tokenPool {
	return &tokenPool{conns: conns, oauth: oauth}
}

// authHeader returns the header for the next connection in rotation.
// A fresh connection advances the cursor; an expired one is refreshed
// in place and serves the request without advancing, so the slot is
// reused while it is the freshest.
func (p *tokenPool) authHeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return "", fmt.Errorf("dracoon: client is disconnected: %w", ErrUnauthorized)
	}

	conn := &p.conns[p.cursor]

	if conn.IsExpired() {
		fresh, err := p.oauth.refresh(ctx, conn.RefreshToken.Reveal())
		if err != nil {
			return "", fmt.Errorf("dracoon: refreshing expired token: %w", err)
		}

		conn.wipe()
		*conn = fresh

		return "Bearer " + conn.AccessToken.Reveal(), nil
	}

	header := "Bearer " + conn.AccessToken.Reveal()
	p.cursor = (p.cursor + 1) % len(p.conns)

	return header, nil
}

// main returns a snapshot of the primary connection, whose refresh
// token callers may persist for later RefreshTokenFlow sessions.
func (p *tokenPool) main() Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return Connection{}
	}

	return p.conns[0]
}

// snapshot returns a copy of all pooled connections.
func (p *tokenPool) snapshot() []Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := make([]Connection, len(p.conns))
	copy(conns, p.conns)

	return conns
}

// wipe zeroes every connection and empties the pool.
func (p *tokenPool) wipe() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.conns {
		p.conns[i].wipe()
	}

	p.conns = nil
	p.cursor = 0
}

// size reports the number of pooled connections.
func (p *tokenPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.conns)
}
