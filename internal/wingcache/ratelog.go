package wingcache

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger drops warnings that arrive within interval of the last
// one it let through, and reports how many it dropped.
type rateLimitedLogger struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	lastAt  time.Time
	dropped int
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		args = append(args, slog.Int("suppressed", dropped))
	}
	l.logger.Warn(msg, args...)
}
