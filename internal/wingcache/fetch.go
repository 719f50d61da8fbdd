package wingcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher is the network transport. A non-2xx status is a normal response,
// not an error; only transport failures return an error wrapping ErrNetwork.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (CacheEntry, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (CacheEntry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (CacheEntry, error) {
	return f(ctx, req)
}

type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(timeout time.Duration) *httpFetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *Request) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), nil)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
