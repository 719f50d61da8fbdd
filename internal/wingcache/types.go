package wingcache

import (
	"net/http"
	"net/url"
	"strings"
)

// CacheEntry is a stored (or freshly fetched) response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Cacheable reports whether the response may be written to a store.
func (e CacheEntry) Cacheable() bool {
	return e.Status >= 200 && e.Status < 300
}

// Shareable reports whether ent, fetched for req, may be served to any
// client. Responses that set cookies or are marked private or no-store never
// are. Responses to requests carrying credentials are only when the origin
// marks them public (or gives them an s-maxage).
func (e CacheEntry) Shareable(req *Request) bool {
	if len(e.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := cacheControl(e.Header)
	if cc["no-store"] || cc["private"] {
		return false
	}
	if req != nil && req.credentialed() {
		return cc["public"] || cc["s-maxage"]
	}
	return true
}

// cacheControl returns the directive names of every Cache-Control header.
func cacheControl(h http.Header) map[string]bool {
	out := map[string]bool{}
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(d, "=")
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				out[name] = true
			}
		}
	}
	return out
}

// Request is the read-only descriptor every executor works from.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest builds a GET descriptor for an absolute URL.
func NewRequest(rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{Method: http.MethodGet, URL: u, Header: header}, nil
}

// Key is the store key: method plus normalized URL. The fragment never
// reaches the network, so it is dropped.
func (r *Request) Key() string {
	u := *r.URL
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return strings.ToUpper(r.Method) + " " + u.String()
}

func (r *Request) credentialed() bool {
	return r.Header.Get("Authorization") != "" || r.Header.Get("Cookie") != ""
}

// AcceptsHTML reports whether content negotiation asks for a document.
func (r *Request) AcceptsHTML() bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/html") {
			return true
		}
	}
	return false
}

func (r *Request) networkScheme() bool {
	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// Strategy is the caching policy applied to one intercepted request.
type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
	StaleWhileRevalidate
	NetworkOnly
	CacheOnly
)

var strategyNames = [...]string{
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
	NetworkOnly:          "network-only",
	CacheOnly:            "cache-only",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy maps a configuration name back to its Strategy.
func ParseStrategy(name string) (Strategy, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), true
		}
	}
	return 0, false
}

// Outcome describes where a dispatched response came from.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeNetwork     Outcome = "network"
	OutcomeOffline     Outcome = "offline"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeBypass      Outcome = "bypass"
)

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
