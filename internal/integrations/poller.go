package integrations

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/companion/internal/backend"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/reliability"
)

var ErrRateLimited = errors.New("integrations refresh rate limited")

// Fetcher reads the current integration connection state.
type Fetcher interface {
	IntegrationsStatus(ctx context.Context) (backend.Integrations, error)
}

// Status is the cached result of the last poll.
type Status struct {
	Integrations backend.Integrations `json:"integrations"`
	Known        bool                 `json:"known"`
	CheckedAt    time.Time            `json:"checked_at,omitempty"`
	Failures     int                  `json:"consecutive_failures"`
	LastError    string               `json:"last_error,omitempty"`
}

type Options struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	// RefreshEvery bounds how often Refresh may hit the backend.
	RefreshEvery time.Duration
	Clock        clock.Clock
}

// Poller keeps a cached view of which third-party integrations the backend
// has connected.
type Poller struct {
	fetcher    Fetcher
	interval   time.Duration
	maxBackoff time.Duration
	clock      clock.Clock
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *observability.Metrics

	pollMu sync.Mutex
	mu     sync.RWMutex
	status Status
}

func NewPoller(fetcher Fetcher, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = 10 * opts.Interval
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Poller{
		fetcher:    fetcher,
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		clock:      opts.Clock,
		limiter:    rate.NewLimiter(rate.Every(opts.RefreshEvery), 1),
		logger:     logger.Named("integrations"),
		metrics:    metrics,
	}
}

func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Refresh polls now unless a refresh ran too recently, in which case the
// cached status is returned with ErrRateLimited.
func (p *Poller) Refresh(ctx context.Context) (Status, error) {
	if !p.limiter.Allow() {
		return p.Status(), ErrRateLimited
	}
	err := p.poll(ctx)
	return p.Status(), err
}

// Run polls until ctx is done, backing off while the backend is failing.
func (p *Poller) Run(ctx context.Context) error {
	for {
		_ = p.poll(ctx)
		timer := p.clock.Timer(p.nextDelay(p.Status().Failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Poller) nextDelay(failures int) time.Duration {
	if failures <= 0 {
		return p.interval
	}
	return reliability.ExponentialBackoff(failures, p.interval, p.maxBackoff)
}

func (p *Poller) poll(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	got, err := p.fetcher.IntegrationsStatus(ctx)
	now := p.clock.Now().UTC()

	p.mu.Lock()
	prev := p.status
	next := prev
	next.CheckedAt = now
	if err != nil {
		next.Failures++
		next.LastError = err.Error()
	} else {
		next.Integrations = got
		next.Known = true
		next.Failures = 0
		next.LastError = ""
	}
	p.status = next
	p.mu.Unlock()

	if err != nil {
		p.count("error")
		if ctx.Err() == nil {
			p.logger.Warn("integration status poll failed", zap.Int("failures", next.Failures), zap.Error(err))
		}
		return err
	}
	p.count("ok")
	p.logChanges(prev, next)
	return nil
}

func (p *Poller) logChanges(prev, next Status) {
	pairs := []struct {
		name     string
		was, now bool
	}{
		{"spotify", prev.Integrations.Spotify.Connected, next.Integrations.Spotify.Connected},
		{"github", prev.Integrations.GitHub.Connected, next.Integrations.GitHub.Connected},
		{"youtube", prev.Integrations.YouTube.Connected, next.Integrations.YouTube.Connected},
	}
	for _, pair := range pairs {
		if prev.Known && pair.was == pair.now {
			continue
		}
		if !prev.Known && !pair.now {
			continue
		}
		p.logger.Info("integration state changed", zap.String("integration", pair.name), zap.Bool("connected", pair.now))
	}
}

func (p *Poller) count(result string) {
	if p.metrics != nil {
		p.metrics.IntegrationsPolled.WithLabelValues(result).Inc()
	}
}
