package dracoon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbekanntes-pferd/dracoon-go/cryptox"
)

func TestCalculateChunks(t *testing.T) {
	const chunk = 32

	tests := []struct {
		name     string
		size     int64
		parts    int32
		lastSize int64
	}{
		{"zero byte", 0, 1, 0},
		{"single byte", 1, 1, 1},
		{"one under chunk", chunk - 1, 1, chunk - 1},
		{"exact chunk", chunk, 1, chunk},
		{"one over chunk", chunk + 1, 2, 1},
		{"exact multiple", 3 * chunk, 3, chunk},
		{"multiple with remainder", 3*chunk + 5, 4, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, lastSize := calculateChunks(tt.size, chunk)
			assert.Equal(t, tt.parts, parts)
			assert.Equal(t, tt.lastSize, lastSize)
		})
	}
}

// uploadServer mocks the node, system info and upload endpoints for
// both storage backends.
type uploadServer struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	mu           sync.Mutex
	createReq    createFileUploadRequest
	parts        map[int32][]byte
	ranges       []string
	s3Complete   completeS3UploadRequest
	proxyDone    completeUploadRequest
	pollStatuses []string
	pollCalls    atomic.Int32
}

func newUploadServer(t *testing.T, encrypted, useS3 bool) *uploadServer {
	t.Helper()

	us := &uploadServer{t: t, mux: http.NewServeMux(), parts: make(map[int32][]byte)}

	us.mux.HandleFunc("GET /api/v4/nodes/1", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Node{ID: 1, Type: NodeTypeRoom, Name: "room", IsEncrypted: encrypted})
	})

	us.mux.HandleFunc("GET /api/v4/public/system/info", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(SystemInfo{UseS3Storage: useS3})
	})

	us.mux.HandleFunc("POST /api/v4/nodes/files/uploads", func(w http.ResponseWriter, r *http.Request) {
		us.mu.Lock()
		defer us.mu.Unlock()

		require.NoError(t, json.NewDecoder(r.Body).Decode(&us.createReq))

		_ = json.NewEncoder(w).Encode(createFileUploadResponse{
			UploadID:  "up1",
			UploadURL: us.srv.URL + "/channel/up1",
			Token:     "tok1",
		})
	})

	// S3 path.
	us.mux.HandleFunc("POST /api/v4/nodes/files/uploads/up1/s3_urls", func(w http.ResponseWriter, r *http.Request) {
		var req presignedURLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, req.FirstPartNumber, req.LastPartNumber)

		_ = json.NewEncoder(w).Encode(presignedURLList{URLs: []presignedURL{{
			PartNumber: req.FirstPartNumber,
			URL:        us.srv.URL + "/s3/part/" + strconv.Itoa(int(req.FirstPartNumber)),
		}}})
	})

	us.mux.HandleFunc("PUT /s3/part/{num}", func(w http.ResponseWriter, r *http.Request) {
		num, err := strconv.Atoi(r.PathValue("num"))
		require.NoError(t, err)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		us.mu.Lock()
		us.parts[int32(num)] = body
		us.mu.Unlock()

		// The storage backend quotes its ETags.
		w.Header().Set("ETag", `"etag-`+strconv.Itoa(num)+`"`)
		w.WriteHeader(http.StatusOK)
	})

	us.mux.HandleFunc("PUT /api/v4/nodes/files/uploads/up1/s3", func(w http.ResponseWriter, r *http.Request) {
		us.mu.Lock()
		defer us.mu.Unlock()

		require.NoError(t, json.NewDecoder(r.Body).Decode(&us.s3Complete))
		w.WriteHeader(http.StatusAccepted)
	})

	us.mux.HandleFunc("GET /api/v4/nodes/files/uploads/up1", func(w http.ResponseWriter, _ *http.Request) {
		n := int(us.pollCalls.Add(1))

		us.mu.Lock()
		statuses := us.pollStatuses
		us.mu.Unlock()

		status := uploadStatusDone
		if n <= len(statuses) {
			status = statuses[n-1]
		}

		resp := uploadStatusResponse{Status: status}
		if status == uploadStatusDone {
			resp.Node = &Node{ID: 100, Type: NodeTypeFile, Name: "uploaded.bin"}
		}

		_ = json.NewEncoder(w).Encode(resp)
	})

	// Proxy path.
	us.mux.HandleFunc("POST /channel/up1", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		us.mu.Lock()
		us.ranges = append(us.ranges, r.Header.Get("Content-Range"))
		us.parts[int32(len(us.ranges))] = body
		us.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
	})

	us.mux.HandleFunc("PUT /api/v4/uploads/tok1", func(w http.ResponseWriter, r *http.Request) {
		us.mu.Lock()
		defer us.mu.Unlock()

		require.NoError(t, json.NewDecoder(r.Body).Decode(&us.proxyDone))
		_ = json.NewEncoder(w).Encode(Node{ID: 100, Type: NodeTypeFile, Name: "uploaded.bin"})
	})

	// Encrypted uploads fetch the key pair and sweep missing keys.
	us.mux.HandleFunc("GET /api/v4/user/account/keypair", func(w http.ResponseWriter, _ *http.Request) {
		_, container := testKeypair(t)
		_ = json.NewEncoder(w).Encode(container)
	})

	us.mux.HandleFunc("GET /api/v4/nodes/missingFileKeys", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[],"users":[],"files":[]}`))
	})

	us.srv = httptest.NewServer(us.mux)
	t.Cleanup(us.srv.Close)

	return us
}

// joinedParts concatenates the received chunks in part order.
func (us *uploadServer) joinedParts(n int32) []byte {
	us.mu.Lock()
	defer us.mu.Unlock()

	var joined []byte
	for i := int32(1); i <= n; i++ {
		joined = append(joined, us.parts[i]...)
	}

	return joined
}

func TestUpload_S3Plain(t *testing.T) {
	us := newUploadServer(t, false, true)

	c := newTestConnected(t, us.srv.URL)

	var progress [][2]int64

	payload := []byte("hello")

	node, err := c.Upload(context.Background(), 1, bytes.NewReader(payload), UploadOptions{
		Name:      "uploaded.bin",
		Size:      int64(len(payload)),
		ChunkSize: 2,
		Progress: func(transferred, total int64) {
			progress = append(progress, [2]int64{transferred, total})
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), node.ID)

	// 5 bytes in chunks of 2: parts of 2, 2 and 1 bytes.
	assert.Equal(t, payload, us.joinedParts(3))
	assert.Equal(t, [][2]int64{{2, 5}, {4, 5}, {5, 5}}, progress)

	// ETag quotes are trimmed before finalization.
	require.Len(t, us.s3Complete.Parts, 3)
	assert.Equal(t, s3Part{PartNumber: 1, PartEtag: "etag-1"}, us.s3Complete.Parts[0])
	assert.Equal(t, s3Part{PartNumber: 3, PartEtag: "etag-3"}, us.s3Complete.Parts[2])
	assert.Equal(t, ResolutionAutoRename, us.s3Complete.ResolutionStrategy)
	assert.Nil(t, us.s3Complete.FileKey)

	assert.True(t, us.createReq.DirectS3Upload)
	assert.Equal(t, "uploaded.bin", us.createReq.Name)
	assert.Equal(t, int64(5), us.createReq.Size)
}

func TestUpload_S3PollingBackoff(t *testing.T) {
	us := newUploadServer(t, false, true)
	us.pollStatuses = []string{uploadStatusTransfer, uploadStatusFinishing, uploadStatusDone}

	c := newTestConnected(t, us.srv.URL)

	var slept []time.Duration

	c.rest.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)

		return nil
	}

	_, err := c.Upload(context.Background(), 1, bytes.NewReader([]byte("x")), UploadOptions{
		Name: "x.bin",
		Size: 1,
	})
	require.NoError(t, err)

	// Only non-terminal statuses sleep, starting at 300 ms and doubling
	// without a cap; the terminal poll returns immediately.
	assert.Equal(t, []time.Duration{
		pollingStartDelay,
		2 * pollingStartDelay,
	}, slept)
	assert.Equal(t, int32(3), us.pollCalls.Load())
}

func TestUpload_S3PollSleepsOncePerPendingStatus(t *testing.T) {
	us := newUploadServer(t, false, true)
	us.pollStatuses = []string{uploadStatusTransfer, uploadStatusDone}

	c := newTestConnected(t, us.srv.URL)

	var slept []time.Duration

	c.rest.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)

		return nil
	}

	node, err := c.Upload(context.Background(), 1, bytes.NewReader([]byte("x")), UploadOptions{
		Name: "x.bin",
		Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), node.ID)

	assert.Equal(t, []time.Duration{pollingStartDelay}, slept)
	assert.Equal(t, int32(2), us.pollCalls.Load())
}

func TestUpload_S3NoSleepWhenDoneImmediately(t *testing.T) {
	us := newUploadServer(t, false, true)

	c := newTestConnected(t, us.srv.URL)

	var sleeps atomic.Int32

	c.rest.sleepFunc = func(_ context.Context, _ time.Duration) error {
		sleeps.Add(1)

		return nil
	}

	_, err := c.Upload(context.Background(), 1, bytes.NewReader([]byte("x")), UploadOptions{
		Name: "x.bin",
		Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), sleeps.Load())
	assert.Equal(t, int32(1), us.pollCalls.Load())
}

func TestUpload_S3StatusError(t *testing.T) {
	us := newUploadServer(t, false, true)
	us.pollStatuses = []string{uploadStatusError}

	c := newTestConnected(t, us.srv.URL)

	_, err := c.Upload(context.Background(), 1, bytes.NewReader([]byte("x")), UploadOptions{
		Name: "x.bin",
		Size: 1,
	})
	assert.ErrorIs(t, err, ErrUploadFailed)
}

func TestUpload_S3ZeroByte(t *testing.T) {
	us := newUploadServer(t, false, true)

	c := newTestConnected(t, us.srv.URL)

	node, err := c.Upload(context.Background(), 1, bytes.NewReader(nil), UploadOptions{
		Name: "empty.bin",
		Size: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), node.ID)

	// A zero-byte upload is a single empty part.
	require.Len(t, us.s3Complete.Parts, 1)
	assert.Empty(t, us.parts[1])
}

func TestUpload_ProxyPlain(t *testing.T) {
	us := newUploadServer(t, false, false)

	c := newTestConnected(t, us.srv.URL)

	payload := []byte("hello")

	node, err := c.Upload(context.Background(), 1, bytes.NewReader(payload), UploadOptions{
		Name:      "uploaded.bin",
		Size:      int64(len(payload)),
		ChunkSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), node.ID)

	assert.False(t, us.createReq.DirectS3Upload)
	assert.Equal(t, payload, us.joinedParts(3))
	assert.Equal(t, []string{"bytes 0-1/5", "bytes 2-3/5", "bytes 4-4/5"}, us.ranges)

	assert.Equal(t, ResolutionAutoRename, us.proxyDone.ResolutionStrategy)
	assert.Equal(t, "uploaded.bin", us.proxyDone.FileName)
	assert.Nil(t, us.proxyDone.FileKey)
}

func TestUpload_ProxyEncrypted(t *testing.T) {
	us := newUploadServer(t, true, false)

	keypair, _ := testKeypair(t)

	c := newTestConnected(t, us.srv.URL)

	_, err := c.Keypair(context.Background(), testPassphrase)
	require.NoError(t, err)

	payload := []byte("top secret payload")

	node, err := c.Upload(context.Background(), 1, bytes.NewReader(payload), UploadOptions{
		Name:      "secret.bin",
		Size:      int64(len(payload)),
		ChunkSize: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), node.ID)

	ciphertext := us.joinedParts(3)

	// Same length as the plaintext, different content.
	require.Len(t, ciphertext, len(payload))
	assert.NotEqual(t, payload, ciphertext)

	// The finalize request carries the wrapped content key, which
	// round-trips to the plaintext.
	require.NotNil(t, us.proxyDone.FileKey)
	assert.Equal(t, cryptox.FileKeyVersionAES256GCM, us.proxyDone.FileKey.Version)

	key, err := cryptox.DecryptFileKey(us.proxyDone.FileKey, keypair)
	require.NoError(t, err)

	dec, err := cryptox.NewDecrypter(key, int64(len(ciphertext)))
	require.NoError(t, err)
	require.NoError(t, dec.Update(ciphertext))

	plaintext, err := dec.Finalize()
	require.NoError(t, err)
	assert.Equal(t, payload, plaintext)
}

func TestUpload_S3Encrypted(t *testing.T) {
	us := newUploadServer(t, true, true)

	keypair, _ := testKeypair(t)

	c := newTestConnected(t, us.srv.URL)

	_, err := c.Keypair(context.Background(), testPassphrase)
	require.NoError(t, err)

	payload := []byte("sealed for s3")

	_, err = c.Upload(context.Background(), 1, bytes.NewReader(payload), UploadOptions{
		Name: "secret.bin",
		Size: int64(len(payload)),
	})
	require.NoError(t, err)

	require.NotNil(t, us.s3Complete.FileKey)

	key, err := cryptox.DecryptFileKey(us.s3Complete.FileKey, keypair)
	require.NoError(t, err)

	ciphertext := us.joinedParts(1)

	dec, err := cryptox.NewDecrypter(key, int64(len(ciphertext)))
	require.NoError(t, err)
	require.NoError(t, dec.Update(ciphertext))

	plaintext, err := dec.Finalize()
	require.NoError(t, err)
	assert.Equal(t, payload, plaintext)
}

func TestUpload_EncryptedRequiresKeypair(t *testing.T) {
	us := newUploadServer(t, true, false)

	c := newTestConnected(t, us.srv.URL)

	_, err := c.Upload(context.Background(), 1, bytes.NewReader([]byte("x")), UploadOptions{
		Name: "x.bin",
		Size: 1,
	})
	assert.ErrorIs(t, err, ErrMissingEncryptionSecret)
}

func TestUpload_Validation(t *testing.T) {
	c := newTestConnected(t, "http://unused")

	_, err := c.Upload(context.Background(), 0, bytes.NewReader(nil), UploadOptions{Name: "x"})
	assert.ErrorIs(t, err, ErrMissingArgument)

	_, err = c.Upload(context.Background(), 1, bytes.NewReader(nil), UploadOptions{})
	assert.ErrorIs(t, err, ErrMissingArgument)

	_, err = c.Upload(context.Background(), 1, bytes.NewReader(nil), UploadOptions{Name: "x", Size: -1})
	assert.ErrorIs(t, err, ErrMissingArgument)
}
