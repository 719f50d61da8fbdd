package wingcache

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer lets a logger write from background goroutines while the test
// reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRateLimitedLogger(t *testing.T) {
	var buf syncBuffer
	l := newRateLimitedLogger(slog.New(slog.NewTextHandler(&buf, nil)), time.Hour)

	l.Warn("revalidate failed")
	l.Warn("revalidate failed")
	l.Warn("revalidate failed")
	assert.Equal(t, 1, strings.Count(buf.String(), "revalidate failed"))

	l.mu.Lock()
	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()
	l.Warn("revalidate failed")
	assert.Contains(t, buf.String(), "suppressed=2")
}

func TestStatsLoop_LogsCounters(t *testing.T) {
	var buf syncBuffer
	origin := newFakeOrigin()
	cfg := testConfig(t, "logging:\n  logStatsEvery: 10ms\n")
	svc, err := newService(cfg, slog.New(slog.NewTextHandler(&buf, nil)), origin)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	svc.manifest = nil

	require.NoError(t, svc.Start(t.Context()))
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "msg=stats")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "hits=0")
}
