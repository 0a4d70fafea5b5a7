package dracoon

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTokenServer serves the token endpoint, handing out sequentially
// numbered tokens and recording the submitted forms.
type tokenServer struct {
	srv    *httptest.Server
	calls  atomic.Int32
	forms  []map[string]string
	basics []string
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()

	ts := &tokenServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)

		require.NoError(t, r.ParseForm())

		form := make(map[string]string)
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}

		ts.forms = append(ts.forms, form)
		ts.basics = append(ts.basics, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "access-` + string(rune('0'+n)) + `",
			"refresh_token": "refresh-` + string(rune('0'+n)) + `",
			"token_type": "bearer",
			"expires_in": 3600
		}`))
	})

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)

	return ts
}

func newTestClient(t *testing.T, url string, rotation int) *Client {
	t.Helper()

	client, err := NewBuilder().
		WithBaseURL(url).
		WithClientID("test-client").
		WithClientSecret("test-secret").
		WithTokenRotation(rotation).
		Build()
	require.NoError(t, err)

	client.rest.sleepFunc = noopSleep

	return client
}

func TestConnect_PasswordFlow(t *testing.T) {
	ts := newTokenServer(t)

	client := newTestClient(t, ts.srv.URL, 1)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)

	require.Len(t, ts.forms, 1)
	assert.Equal(t, "password", ts.forms[0]["grant_type"])
	assert.Equal(t, "user", ts.forms[0]["username"])
	assert.Equal(t, "pass", ts.forms[0]["password"])

	// Password grant authenticates the client via the Basic header,
	// base64url without padding.
	expected := "Basic " + base64.RawURLEncoding.EncodeToString([]byte("test-client:test-secret"))
	assert.Equal(t, expected, ts.basics[0])

	// Client credentials stay out of the form body.
	assert.Empty(t, ts.forms[0]["client_id"])
	assert.Empty(t, ts.forms[0]["client_secret"])

	assert.Equal(t, "access-1", connected.Connection().AccessToken.Reveal())
}

func TestConnect_AuthCodeFlow(t *testing.T) {
	ts := newTokenServer(t)

	client := newTestClient(t, ts.srv.URL, 1)

	_, err := client.Connect(context.Background(), AuthCodeFlow("the-code"))
	require.NoError(t, err)

	require.Len(t, ts.forms, 1)
	assert.Equal(t, "authorization_code", ts.forms[0]["grant_type"])
	assert.Equal(t, "the-code", ts.forms[0]["code"])
	assert.Equal(t, "test-client", ts.forms[0]["client_id"])
	assert.Equal(t, "test-secret", ts.forms[0]["client_secret"])
	assert.Equal(t, ts.srv.URL+"/oauth/callback", ts.forms[0]["redirect_uri"])
	assert.Empty(t, ts.basics[0])
}

func TestConnect_RefreshTokenFlow(t *testing.T) {
	ts := newTokenServer(t)

	client := newTestClient(t, ts.srv.URL, 1)

	_, err := client.Connect(context.Background(), RefreshTokenFlow("stored-refresh"))
	require.NoError(t, err)

	require.Len(t, ts.forms, 1)
	assert.Equal(t, "refresh_token", ts.forms[0]["grant_type"])
	assert.Equal(t, "stored-refresh", ts.forms[0]["refresh_token"])
	assert.Equal(t, "test-client", ts.forms[0]["client_id"])
}

func TestConnect_PreIssuedToken(t *testing.T) {
	// Any token endpoint call is a failure here.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("pre-issued token must not hit the token endpoint")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3)

	connected, err := client.Connect(context.Background(), PreIssuedToken("external-token"))
	require.NoError(t, err)

	conn := connected.Connection()
	assert.Equal(t, "external-token", conn.AccessToken.Reveal())
	assert.Equal(t, NeverExpires, conn.ExpiresIn)
	assert.False(t, conn.IsExpired())

	// No refresh token means no pool filling.
	assert.Equal(t, 1, connected.pool.size())
}

func TestConnect_FillsTokenPool(t *testing.T) {
	ts := newTokenServer(t)

	client := newTestClient(t, ts.srv.URL, 3)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)

	assert.Equal(t, 3, connected.pool.size())
	assert.Equal(t, int32(3), ts.calls.Load())

	// The extra exchanges are refresh grants chained off the previous
	// connection.
	assert.Equal(t, "refresh_token", ts.forms[1]["grant_type"])
	assert.Equal(t, "refresh-1", ts.forms[1]["refresh_token"])
	assert.Equal(t, "refresh_token", ts.forms[2]["grant_type"])
	assert.Equal(t, "refresh-2", ts.forms[2]["refresh_token"])
}

func TestConnect_RotationClamped(t *testing.T) {
	ts := newTokenServer(t)

	client := newTestClient(t, ts.srv.URL, 99)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)
	assert.Equal(t, maxTokenRotation, connected.pool.size())

	ts2 := newTokenServer(t)

	client = newTestClient(t, ts2.srv.URL, 0)

	connected, err = client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)
	assert.Equal(t, 1, connected.pool.size())
}

func TestConnect_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"wrong credentials"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1)

	_, err := client.Connect(context.Background(), PasswordFlow("user", "wrong"))
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "invalid_grant", authErr.Code)
	assert.Equal(t, "wrong credentials", authErr.Description)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnection_IsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn uint64
		issuedAt  time.Time
		expired   bool
	}{
		{"fresh", 3600, time.Now(), false},
		{"elapsed", 3600, time.Now().Add(-2 * time.Hour), true},
		{"within final second", 60, time.Now().Add(-59 * time.Second), false},
		{"past lifetime", 60, time.Now().Add(-time.Minute - time.Second), true},
		{"never expires", NeverExpires, time.Time{}, false},
		{"zero lifetime", 0, time.Now(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := Connection{ExpiresIn: tt.expiresIn, IssuedAt: tt.issuedAt}
			assert.Equal(t, tt.expired, conn.IsExpired())
		})
	}
}

func TestTokenPool_RoundRobin(t *testing.T) {
	pool := newTokenPool(nil, []Connection{
		{AccessToken: NewSecret("a"), ExpiresIn: NeverExpires},
		{AccessToken: NewSecret("b"), ExpiresIn: NeverExpires},
		{AccessToken: NewSecret("c"), ExpiresIn: NeverExpires},
	})

	var got []string

	for range 6 {
		header, err := pool.authHeader(context.Background())
		require.NoError(t, err)

		got = append(got, header)
	}

	want := []string{"Bearer a", "Bearer b", "Bearer c", "Bearer a", "Bearer b", "Bearer c"}
	assert.Equal(t, want, got)
}

func TestTokenPool_RefreshInPlaceKeepsCursor(t *testing.T) {
	ts := newTokenServer(t)

	r := newTestRest(t, ts.srv.URL)
	oauth := &oauthClient{rest: r, clientID: "test-client", clientSecret: NewSecret("test-secret")}

	pool := newTokenPool(oauth, []Connection{
		{
			AccessToken:  NewSecret("stale"),
			RefreshToken: NewSecret("stale-refresh"),
			ExpiresIn:    1,
			IssuedAt:     time.Now().Add(-time.Hour),
		},
		{AccessToken: NewSecret("b"), ExpiresIn: NeverExpires},
	})

	// Expired slot is refreshed in place and serves the request.
	header, err := pool.authHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer access-1", header)
	assert.Equal(t, int32(1), ts.calls.Load())
	assert.Equal(t, "stale-refresh", ts.forms[0]["refresh_token"])

	// The cursor did not advance, so the refreshed slot serves again
	// before rotation moves on.
	header, err = pool.authHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer access-1", header)

	header, err = pool.authHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer b", header)

	// No further refreshes happened.
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestTokenPool_EmptyPool(t *testing.T) {
	pool := newTokenPool(nil, nil)

	_, err := pool.authHeader(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDisconnect_RevokesAccessByDefault(t *testing.T) {
	ts := newTokenServer(t)

	var hints []string

	mux := ts.srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("POST /oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		hints = append(hints, r.PostForm.Get("token_type_hint"))
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, ts.srv.URL, 2)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)

	disconnected, err := connected.Disconnect(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, disconnected)

	// One access token revocation per pooled connection, no refresh
	// revocations by default.
	assert.Equal(t, []string{"access_token", "access_token"}, hints)

	// The pool is empty; further use fails.
	_, err = connected.pool.authHeader(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, connected.pool.size())
}

func TestDisconnect_RevokeRefreshTokensOptIn(t *testing.T) {
	ts := newTokenServer(t)

	var hints []string

	mux := ts.srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("POST /oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		hints = append(hints, r.PostForm.Get("token_type_hint"))
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, ts.srv.URL, 1)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)

	_, err = connected.Disconnect(context.Background(), &DisconnectOptions{RevokeRefreshTokens: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"access_token", "refresh_token"}, hints)
}

func TestDisconnect_SkipRevocation(t *testing.T) {
	ts := newTokenServer(t)

	mux := ts.srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("POST /oauth/revoke", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("revocation endpoint must not be called")
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := newTestClient(t, ts.srv.URL, 1)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)

	_, err = connected.Disconnect(context.Background(), &DisconnectOptions{SkipRevocation: true})
	require.NoError(t, err)
	assert.Equal(t, 0, connected.pool.size())
}

func TestDisconnect_ReturnedClientReconnects(t *testing.T) {
	ts := newTokenServer(t)

	mux := ts.srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("POST /oauth/revoke", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t, ts.srv.URL, 1)

	connected, err := client.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)

	disconnected, err := connected.Disconnect(context.Background(), nil)
	require.NoError(t, err)

	again, err := disconnected.Connect(context.Background(), PasswordFlow("user", "pass"))
	require.NoError(t, err)
	assert.Equal(t, 1, again.pool.size())
}
