package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/casmesh/internal/auth"
	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/distributed"
	"github.com/tunnelmesh/casmesh/internal/metrics"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// fakeBackend is an in-memory Backend.
type fakeBackend struct {
	mu      sync.Mutex
	content map[hash.ContentHash][]byte

	reject     store.RejectionReason
	acceptSize []int64
	pushErr    error
	copyErr    error
	deleteErr  error
	remote     bool
	deleteOpts []distributed.DeleteOptions
	copied     []hash.ContentHash
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{content: make(map[hash.ContentHash][]byte)}
}

func (f *fakeBackend) CanAcceptContent(_ context.Context, _ hash.ContentHash, size int64) (bool, store.RejectionReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptSize = append(f.acceptSize, size)
	return f.reject == store.Accepted, f.reject
}

func (f *fakeBackend) HandlePushFile(_ context.Context, h hash.ContentHash, r io.Reader, size int64) (store.PutResult, error) {
	if f.pushErr != nil {
		return store.PutResult{Hash: h}, f.pushErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return store.PutResult{Hash: h}, err
	}
	if int64(len(data)) != size {
		return store.PutResult{Hash: h}, fmt.Errorf("short body")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.content[h]
	f.content[h] = data
	return store.PutResult{Hash: h, Size: size, AlreadyExisted: existed}, nil
}

func (f *fakeBackend) HandleCopyFileRequest(_ context.Context, h hash.ContentHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied = append(f.copied, h)
	return f.copyErr
}

func (f *fakeBackend) Delete(_ context.Context, h hash.ContentHash, opts *distributed.DeleteOptions) (distributed.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteOpts = append(f.deleteOpts, *opts)
	data, existed := f.content[h]
	delete(f.content, h)
	res := distributed.DeleteResult{Local: store.DeleteResult{Hash: h, Size: int64(len(data)), Existed: existed}}
	if f.remote {
		res.Remote = &copier.DeleteResult{}
	}
	return res, f.deleteErr
}

func (f *fakeBackend) StreamContent(_ context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[h]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", store.ErrNotFound, h.Short())
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeBackend) CheckFileExists(_ context.Context, h hash.ContentHash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.content[h]
	return ok, nil
}

func (f *fakeBackend) Stats(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int64{"Blobs": int64(len(f.content))}, nil
}

func newTestServer(t *testing.T, backend Backend, mutate func(*Options)) *httptest.Server {
	t.Helper()
	opts := Options{Store: backend, Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&opts)
	}
	ts := httptest.NewServer(NewServer(opts))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func contentURL(ts *httptest.Server, h hash.ContentHash) string {
	return ts.URL + copier.ContentPrefix + h.String()
}

func TestAccept(t *testing.T) {
	backend := newFakeBackend()
	ts := newTestServer(t, backend, nil)
	h := hash.Of(hash.SHA256, []byte("x"))

	resp := do(t, http.MethodGet, contentURL(ts, h)+"/accept?size=42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ar := decode[copier.AcceptResponse](t, resp)
	assert.True(t, ar.Accepted)
	assert.Equal(t, "accepted", ar.Reason)
	assert.Equal(t, []int64{42}, backend.acceptSize)

	backend.reject = store.OlderThanLastEvicted
	resp = do(t, http.MethodGet, contentURL(ts, h)+"/accept", nil)
	ar = decode[copier.AcceptResponse](t, resp)
	assert.False(t, ar.Accepted)
	assert.Equal(t, store.OlderThanLastEvicted, store.ParseRejectionReason(ar.Reason))

	resp = do(t, http.MethodGet, contentURL(ts, h)+"/accept?size=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+copier.ContentPrefix+"md5:abc/accept", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPush(t *testing.T) {
	backend := newFakeBackend()
	ts := newTestServer(t, backend, nil)
	data := []byte("pushed bytes")
	h := hash.Of(hash.SHA256, data)

	resp := do(t, http.MethodPut, contentURL(ts, h), data)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pr := decode[copier.PutResponse](t, resp)
	assert.Equal(t, h, pr.Hash)
	assert.Equal(t, int64(len(data)), pr.Size)
	assert.False(t, pr.AlreadyExisted)

	resp = do(t, http.MethodPut, contentURL(ts, h), data)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[copier.PutResponse](t, resp).AlreadyExisted)
}

func TestPush_Rejected(t *testing.T) {
	tests := []struct {
		reason store.RejectionReason
		want   int
	}{
		{store.OlderThanLastEvicted, http.StatusConflict},
		{store.CapacityExceeded, http.StatusInsufficientStorage},
		{store.NotSupported, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			backend := newFakeBackend()
			backend.reject = tt.reason
			ts := newTestServer(t, backend, nil)

			resp := do(t, http.MethodPut, contentURL(ts, hash.Of(hash.SHA256, []byte("x"))), []byte("x"))
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Empty(t, backend.content)
		})
	}
}

func TestPush_Errors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("push to local store: %w", store.ErrHashMismatch), http.StatusBadRequest},
		{fmt.Errorf("push to local store: %w", store.ErrCapacity), http.StatusInsufficientStorage},
		{fmt.Errorf("%w: no push support", distributed.ErrInvalidOperation), http.StatusNotImplemented},
		{distributed.ErrShutdown, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			backend := newFakeBackend()
			backend.pushErr = tt.err
			ts := newTestServer(t, backend, nil)

			resp := do(t, http.MethodPut, contentURL(ts, hash.Of(hash.SHA256, []byte("x"))), []byte("x"))
			assert.Equal(t, tt.want, resp.StatusCode)
			er := decode[copier.ErrorResponse](t, resp)
			assert.Equal(t, tt.want, er.Code)
			assert.Contains(t, er.Message, tt.err.Error())
		})
	}
}

func TestCopy(t *testing.T) {
	backend := newFakeBackend()
	ts := newTestServer(t, backend, nil)
	h := hash.Of(hash.SHA256, []byte("x"))

	resp := do(t, http.MethodPost, contentURL(ts, h)+"/copy", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []hash.ContentHash{h}, backend.copied)

	backend.copyErr = fmt.Errorf("copy: %w", distributed.ErrNotFound)
	resp = do(t, http.MethodPost, contentURL(ts, h)+"/copy", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, contentURL(ts, h)+"/copy", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	backend := newFakeBackend()
	data := []byte("abc")
	h := hash.Of(hash.SHA256, data)
	backend.content[h] = data
	ts := newTestServer(t, backend, nil)

	resp := do(t, http.MethodDelete, contentURL(ts, h)+"?local_only=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dr := decode[copier.DeleteResponse](t, resp)
	assert.True(t, dr.Existed)
	assert.Equal(t, int64(3), dr.Size)

	resp = do(t, http.MethodDelete, contentURL(ts, h), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[copier.DeleteResponse](t, resp).Existed)

	assert.Equal(t, []distributed.DeleteOptions{{DeleteLocalOnly: true}, {DeleteLocalOnly: false}}, backend.deleteOpts)

	resp = do(t, http.MethodDelete, contentURL(ts, h)+"?local_only=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDelete_Failures(t *testing.T) {
	backend := newFakeBackend()
	backend.deleteErr = fmt.Errorf("delete local content: %w", store.ErrPinned)
	ts := newTestServer(t, backend, nil)
	h := hash.Of(hash.SHA256, []byte("x"))

	resp := do(t, http.MethodDelete, contentURL(ts, h), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	backend.remote = true
	backend.deleteErr = errors.New("propagate delete: connection refused")
	resp = do(t, http.MethodDelete, contentURL(ts, h), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStreamAndExists(t *testing.T) {
	backend := newFakeBackend()
	data := []byte("stream me")
	h := hash.Of(hash.SHA256, data)
	backend.content[h] = data
	ts := newTestServer(t, backend, nil)

	resp := do(t, http.MethodGet, contentURL(ts, h), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(len(data)), resp.ContentLength)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	resp = do(t, http.MethodHead, contentURL(ts, h), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	missing := hash.Of(hash.SHA256, []byte("missing"))
	resp = do(t, http.MethodHead, contentURL(ts, missing), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, contentURL(ts, missing), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPatch, contentURL(ts, h), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStats(t *testing.T) {
	backend := newFakeBackend()
	backend.content[hash.Of(hash.SHA256, []byte("x"))] = []byte("x")
	ts := newTestServer(t, backend, nil)

	stats, err := FetchStats(context.Background(), nil, ts.URL+"/", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Blobs": 1}, stats)

	resp := do(t, http.MethodGet, ts.URL+PathHealth, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	signer, err := auth.NewSigner("fleet-secret", time.Minute)
	require.NoError(t, err)
	backend := newFakeBackend()
	ts := newTestServer(t, backend, func(o *Options) { o.Signer = signer })

	resp := do(t, http.MethodGet, ts.URL+copier.StatsPath, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open for probes.
	resp = do(t, http.MethodGet, ts.URL+PathHealth, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = FetchStats(context.Background(), nil, ts.URL, nil)
	assert.ErrorContains(t, err, "missing authorization header")

	stats, err := FetchStats(context.Background(), nil, ts.URL, signer.TokenSource("http://node-b:7420"))
	require.NoError(t, err)
	assert.Contains(t, stats, "Blobs")

	other, err := auth.NewSigner("wrong-secret", time.Minute)
	require.NoError(t, err)
	_, err = FetchStats(context.Background(), nil, ts.URL, other.TokenSource("http://node-b:7420"))
	assert.ErrorContains(t, err, "401")
}

func TestRateLimit(t *testing.T) {
	backend := newFakeBackend()
	ts := newTestServer(t, backend, func(o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, do(t, http.MethodGet, ts.URL+copier.StatsPath, nil).StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	resp := do(t, http.MethodGet, ts.URL+copier.StatsPath, nil)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestMetrics(t *testing.T) {
	old := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = old })
	m := metrics.InitMetrics("node-a", "test")

	backend := newFakeBackend()
	ts := newTestServer(t, backend, func(o *Options) { o.Metrics = m })
	h := hash.Of(hash.SHA256, []byte("x"))

	do(t, http.MethodPut, contentURL(ts, h), []byte("x"))
	do(t, http.MethodGet, contentURL(ts, hash.Of(hash.SHA256, []byte("y"))), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("put_content", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("get_content", "404")))

	resp := do(t, http.MethodGet, ts.URL+PathMetrics, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "casmesh_api_requests_total"))
}

func TestRegistryMount(t *testing.T) {
	var seen string
	registry := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	ts := newTestServer(t, newFakeBackend(), func(o *Options) { o.Registry = registry })

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/registry/register", []byte("{}"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/v1/registry/register", seen)

	ts2 := newTestServer(t, newFakeBackend(), nil)
	resp = do(t, http.MethodPost, ts2.URL+"/api/v1/registry/register", []byte("{}"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestServe_StopsOnCancel(t *testing.T) {
	srv := NewServer(Options{Store: newFakeBackend(), Logger: zerolog.Nop()})
	ln, err := newLocalListener()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + PathHealth
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
