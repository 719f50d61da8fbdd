package wingcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testOrigin = "http://origin.test"

// fakeOrigin is an in-process Fetcher keyed by URL path.
type fakeOrigin struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	calls  map[string]int
	header map[string]http.Header

	down atomic.Bool
	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}
	// started receives the path of each fetch as it begins, if set.
	started chan string
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		bodies: map[string]string{},
		status: map[string]int{},
		calls:  map[string]int{},
		header: map[string]http.Header{},
	}
}

func (f *fakeOrigin) set(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
}

func (f *fakeOrigin) setStatus(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
	f.status[path] = status
}

// setHeader adds a response header served for path.
func (f *fakeOrigin) setHeader(path, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.header[path] == nil {
		f.header[path] = http.Header{}
	}
	f.header[path].Add(key, value)
}

func (f *fakeOrigin) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeOrigin) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeOrigin) Fetch(ctx context.Context, req *Request) (CacheEntry, error) {
	path := req.URL.Path
	f.mu.Lock()
	f.calls[path]++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- path
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return CacheEntry{}, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
	}
	if f.down.Load() {
		return CacheEntry{}, fmt.Errorf("%w: connection refused", ErrNetwork)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[path]
	status := f.status[path]
	if status == 0 {
		status = http.StatusOK
		if !ok {
			status = http.StatusNotFound
			body = "not found"
		}
	}
	h := f.header[path].Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "text/plain")
	return CacheEntry{Status: status, Header: h, Body: []byte(body), StoredAt: time.Now().Unix()}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf("server:\n  origin: %s\nstorage:\n  path: %q\n%s", testOrigin, MemoryStoragePath, extra)))
	require.NoError(t, err)
	return cfg
}

// newInstalledService returns an active service whose manifest is a single
// document route served by origin.
func newInstalledService(t *testing.T, origin *fakeOrigin) *Service {
	t.Helper()
	origin.set("/", "<html>shell</html>")
	svc := newUninstalledService(t, origin, []string{"/"})
	require.NoError(t, svc.Install(context.Background()))
	require.NoError(t, svc.Activate())
	return svc
}

func newUninstalledService(t *testing.T, origin Fetcher, manifest []string) *Service {
	t.Helper()
	svc, err := newService(testConfig(t, ""), testLogger(), origin)
	require.NoError(t, err)
	svc.manifest = manifest
	t.Cleanup(svc.Close)
	return svc
}

func getReq(t *testing.T, path string, accept string) *Request {
	t.Helper()
	h := http.Header{}
	if accept != "" {
		h.Set("Accept", accept)
	}
	req, err := NewRequest(testOrigin+path, h)
	require.NoError(t, err)
	return req
}
