package wingcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNetwork wraps every transport failure.
	ErrNetwork = errors.New("network error")

	// ErrCacheMiss is returned by the cache-only strategy.
	ErrCacheMiss = errors.New("resource not in cache")

	// ErrNotActive is returned when an operation needs an activated service.
	ErrNotActive = errors.New("service not active")
)

// PrecacheError reports the URLs that failed during a bulk AddAll. Entries
// fetched successfully before the failure stay in the store.
type PrecacheError struct {
	Failed map[string]error
}

func (e *PrecacheError) Error() string {
	urls := make([]string, 0, len(e.Failed))
	for u := range e.Failed {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", u, e.Failed[u]))
	}
	return fmt.Sprintf("precache failed for %d of the requested urls: %s", len(urls), strings.Join(parts, "; "))
}

func (e *PrecacheError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// ControlError is a malformed or unrecognized control message.
type ControlError struct {
	Reason string
}

func (e *ControlError) Error() string { return "control: " + e.Reason }
