package wingcache

import (
	_ "embed"
	"net/http"
	"time"
)

//go:embed offline.html
var offlineDocument []byte

// fallbackResponder is the terminal handler for requests whose strategy
// failed. It always produces a response.
type fallbackResponder struct {
	reg     *Registry
	metrics *Metrics
}

func (f *fallbackResponder) respond(req *Request) (CacheEntry, Outcome) {
	if ent, _, ok := f.reg.MatchAny(req.Key()); ok {
		f.metrics.offline()
		return ent, OutcomeOffline
	}
	now := time.Now().Unix()
	if req.AcceptsHTML() {
		h := http.Header{}
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Cache-Control", "no-store")
		return CacheEntry{Status: http.StatusOK, Header: h, Body: offlineDocument, StoredAt: now}, OutcomeOffline
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return CacheEntry{
		Status:   http.StatusServiceUnavailable,
		Header:   h,
		Body:     []byte("Service Unavailable"),
		StoredAt: now,
	}, OutcomeUnavailable
}
