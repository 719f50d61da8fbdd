package wingcache

import (
	"net/url"
	"regexp"
)

// Built-in route table. Static assets are immutable per build, API reads must
// be fresh when possible, and the app shell may be served stale.
var (
	staticAssetPatterns = []string{
		`(?i)\.(?:js|mjs|css|png|jpe?g|gif|svg|ico|webp|avif|woff2?|ttf|eot|otf)$`,
	}
	apiPatterns = []string{
		`^/api/`,
		`^/auth/v1/`,
		`^/rest/v1/`,
		`^/storage/v1/`,
		`^/functions/v1/`,
	}
	documentPatterns = []string{
		`^/(?:index\.html)?$`,
	}
)

// Classifier resolves a request URL to a Strategy. The first matching rule
// wins; with no match the fallback applies. Classification never fails.
type Classifier struct {
	rules    []RouteRule
	fallback Strategy
}

// DefaultClassifier returns the compiled-in route table.
func DefaultClassifier() *Classifier {
	return &Classifier{
		rules: []RouteRule{
			mustRule(CacheFirst, staticAssetPatterns...),
			mustRule(NetworkFirst, apiPatterns...),
			mustRule(StaleWhileRevalidate, documentPatterns...),
		},
		fallback: NetworkFirst,
	}
}

func mustRule(s Strategy, patterns ...string) RouteRule {
	r := RouteRule{Strategy: s.String(), Patterns: patterns, strategy: s}
	for _, p := range patterns {
		r.matchers = append(r.matchers, regexp.MustCompile(p))
	}
	return r
}

func (c *Classifier) Classify(u *url.URL) Strategy {
	path := u.Path
	if path == "" {
		path = "/"
	}
	for i := range c.rules {
		if c.rules[i].Matches(path) {
			return c.rules[i].strategy
		}
	}
	return c.fallback
}
