package ffmpeg

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheTTL = 10 * time.Minute

// Prober is the part of Runner the doctor needs.
type Prober interface {
	Probe(ctx context.Context) (*Capabilities, error)
}

// Doctor caches encoder capabilities so format selection does not spawn
// ffmpeg for every job.
type Doctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewDoctor(prober Prober, logger *slog.Logger) *Doctor {
	return &Doctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *Doctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns whatever is cached without probing.
func (d *Doctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe. A failed probe falls back to stale capabilities.
func (d *Doctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.prober.Probe(ctx)
	if err != nil {
		d.logger.Warn("ffmpeg probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale encoder capabilities")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}

// Supports reports whether all encoders are available. Probe failures count
// as unsupported.
func (d *Doctor) Supports(ctx context.Context, encoders ...string) bool {
	caps, err := d.Get(ctx)
	if err != nil {
		return false
	}
	return caps.HasAll(encoders...)
}

func (d *Doctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
