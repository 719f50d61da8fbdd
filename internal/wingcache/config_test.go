package wingcache

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://app.wingmanmatch.test/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.AdminPort)
	assert.Equal(t, "https://app.wingmanmatch.test", cfg.Server.Origin)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, int64(64<<20), cfg.ramMax)
	assert.Equal(t, int64(8<<20), cfg.maxEntry)
	assert.Equal(t, 30*time.Second, cfg.fetchTimeout)
	assert.Equal(t, 30*time.Second, cfg.retryEvery)
	assert.Zero(t, cfg.logStatsEveryDur)
	assert.Equal(t, "wingcache.control", cfg.Control.NATS.Subject)
	require.NotNil(t, cfg.classifier)
}

func TestParseConfig_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"missing origin": "server:\n  port: 1\n",
		"bad size":       "server:\n  origin: http://o\nstorage:\n  ram:\n    max: lots\n",
		"bad timeout":    "server:\n  origin: http://o\nfetch:\n  timeout: soon\n",
		"bad level":      "server:\n  origin: http://o\nlogging:\n  level: loud\n",
		"bad strategy":   "server:\n  origin: http://o\nroutes:\n  - strategy: cache-last\n    patterns: ['^/']\n",
		"bad pattern":    "server:\n  origin: http://o\nroutes:\n  - strategy: cache-only\n    patterns: ['(']\n",
		"no patterns":    "server:\n  origin: http://o\nroutes:\n  - strategy: cache-only\n",
		"not yaml":       "server: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestParseConfig_RouteOverride(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://o
routes:
  - priority: 20
    strategy: network-first
    patterns: ['^/api/']
  - priority: 10
    strategy: network-only
    patterns: ['^/api/realtime/']
  - priority: 30
    strategy: cache-only
    patterns: ['^/offline-pack/']
`))
	require.NoError(t, err)

	classify := func(p string) Strategy {
		u, err := url.Parse("http://o" + p)
		require.NoError(t, err)
		return cfg.classifier.Classify(u)
	}
	assert.Equal(t, NetworkOnly, classify("/api/realtime/chat"))
	assert.Equal(t, NetworkFirst, classify("/api/matches"))
	assert.Equal(t, CacheOnly, classify("/offline-pack/a.json"))
	assert.Equal(t, NetworkFirst, classify("/app.js"), "override replaces the built-in table")
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wingcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8081
  origin: http://localhost:3000
storage:
  path: ":memory:"
  ram:
    max: 0
logging:
  level: debug
  format: json
  logStatsEvery: 1m
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, MemoryStoragePath, cfg.Storage.Path)
	assert.Zero(t, cfg.ramMax)
	assert.Equal(t, time.Minute, cfg.logStatsEveryDur)

	var buf bytes.Buffer
	cfg.NewLogger(&buf).Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	for in, want := range map[string]int64{
		"0":      0,
		"512":    512,
		"10b":    10,
		"2k":     2048,
		"2kb":    2048,
		"1.5mb":  3 << 19,
		"64MB":   64 << 20,
		" 1g ":   1 << 30,
		"0.5 gb": 1 << 29,
	} {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "mb", "-1k", "abc"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "64mb", formatBytes(64<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}

func TestParseConfig_StoragePath(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://o\nstorage:\n  path: \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path, "empty path falls back to the default directory")

	cfg, err = ParseConfig([]byte("server:\n  origin: http://o\nstorage:\n  path: \":memory:\"\n"))
	require.NoError(t, err)
	reg, err := OpenRegistry(cfg.Storage.Path, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.Store("s").Put("k", CacheEntry{Status: 200}))
}
