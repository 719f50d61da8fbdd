package wingcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// executor runs the five caching strategies against the two generation
// stores. It carries no per-request state, so one instance serves every
// dispatch concurrently.
type executor struct {
	static  *Store
	dynamic *Store
	fetcher Fetcher
	metrics *Metrics
	bg      *background
	logger  *slog.Logger
	warn    *rateLimitedLogger

	baseCtx           context.Context
	revalidateTimeout time.Duration
}

func (x *executor) execute(ctx context.Context, s Strategy, req *Request) (CacheEntry, Outcome, error) {
	switch s {
	case CacheFirst:
		return x.cacheFirst(ctx, req)
	case NetworkFirst:
		return x.networkFirst(ctx, req)
	case StaleWhileRevalidate:
		return x.staleWhileRevalidate(ctx, req)
	case NetworkOnly:
		return x.networkOnly(ctx, req)
	case CacheOnly:
		return x.cacheOnly(req)
	}
	return CacheEntry{}, "", fmt.Errorf("unknown strategy %d", s)
}

func (x *executor) cacheFirst(ctx context.Context, req *Request) (CacheEntry, Outcome, error) {
	if ent, ok := x.lookup(x.static, req.Key()); ok {
		x.metrics.hit()
		return ent, OutcomeHit, nil
	}
	ent, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		return CacheEntry{}, "", err
	}
	x.metrics.miss()
	x.store(x.static, req, ent)
	return ent, OutcomeMiss, nil
}

func (x *executor) networkFirst(ctx context.Context, req *Request) (CacheEntry, Outcome, error) {
	ent, err := x.fetcher.Fetch(ctx, req)
	if err == nil {
		x.metrics.network()
		x.store(x.dynamic, req, ent)
		return ent, OutcomeNetwork, nil
	}
	if cached, ok := x.lookup(x.dynamic, req.Key()); ok {
		x.metrics.hit()
		return cached, OutcomeHit, nil
	}
	return CacheEntry{}, "", err
}

func (x *executor) staleWhileRevalidate(ctx context.Context, req *Request) (CacheEntry, Outcome, error) {
	if cached, ok := x.lookup(x.dynamic, req.Key()); ok {
		x.metrics.hit()
		x.revalidate(req)
		return cached, OutcomeHit, nil
	}
	ent, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		return CacheEntry{}, "", err
	}
	x.metrics.network()
	x.store(x.dynamic, req, ent)
	return ent, OutcomeNetwork, nil
}

func (x *executor) networkOnly(ctx context.Context, req *Request) (CacheEntry, Outcome, error) {
	ent, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		return CacheEntry{}, "", err
	}
	x.metrics.network()
	return ent, OutcomeNetwork, nil
}

func (x *executor) cacheOnly(req *Request) (CacheEntry, Outcome, error) {
	if ent, ok := x.lookup(x.static, req.Key()); ok {
		x.metrics.hit()
		return ent, OutcomeHit, nil
	}
	x.metrics.miss()
	return CacheEntry{}, "", fmt.Errorf("%s: %w", req.URL, ErrCacheMiss)
}

// revalidate refreshes the dynamic entry for req in the background. The
// result is never returned to anyone and failures are dropped. When the
// background pool is saturated the refresh is skipped.
func (x *executor) revalidate(req *Request) {
	started := x.bg.tryGo(func() {
		ctx, cancel := context.WithTimeout(x.baseCtx, x.revalidateTimeout)
		defer cancel()
		ent, err := x.fetcher.Fetch(ctx, req)
		if err != nil {
			x.warn.Warn("revalidate failed", slog.String("url", req.URL.String()), slog.String("error", err.Error()))
			return
		}
		x.store(x.dynamic, req, ent)
	})
	if !started {
		x.warn.Warn("revalidate skipped, background pool full", slog.String("url", req.URL.String()))
	}
}

func (x *executor) lookup(s *Store, key string) (CacheEntry, bool) {
	ent, ok, err := s.Match(key)
	if err != nil {
		x.logger.Warn("store lookup failed", slog.String("store", s.Name()), slog.String("error", err.Error()))
		return CacheEntry{}, false
	}
	return ent, ok
}

// store writes successful responses that every client may be served.
func (x *executor) store(s *Store, req *Request, ent CacheEntry) {
	if !ent.Cacheable() || !ent.Shareable(req) {
		return
	}
	if err := s.Put(req.Key(), ent); err != nil {
		x.logger.Warn("store write failed", slog.String("store", s.Name()), slog.String("error", err.Error()))
	}
}

// background bounds and tracks fire-and-forget work.
type background struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newBackground(limit int) *background {
	return &background{sem: make(chan struct{}, limit)}
}

func (b *background) tryGo(f func()) bool {
	select {
	case b.sem <- struct{}{}:
	default:
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		f()
	}()
	return true
}

func (b *background) wait() { b.wg.Wait() }
