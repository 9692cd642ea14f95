package voice

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/policy"
)

// Utterance is one logical spoken message assembled from final fragments.
type Utterance struct {
	Text       string
	Confidence float64
	Fragments  []Fragment
	OpenedAt   time.Time
	FlushedAt  time.Time
}

type BatcherOptions struct {
	Clock            clock.Clock
	SilenceWindow    time.Duration
	ContinuationHold time.Duration
	// MinChars and MinConfidence are inclusive acceptance thresholds.
	MinChars      int
	MinConfidence float64

	OnUtterance func(Utterance)
	OnInterim   func(Fragment)
}

// Batcher joins final fragments separated by short pauses into utterances.
type Batcher struct {
	clock            clock.Clock
	silenceWindow    time.Duration
	continuationHold time.Duration
	minChars         int
	minConfidence    float64
	onUtterance      func(Utterance)
	onInterim        func(Fragment)
	logger           *zap.Logger
	metrics          *observability.Metrics

	mu       sync.Mutex
	pending  []Fragment
	openedAt time.Time
	timer    *clock.Timer
	seq      uint64
}

func NewBatcher(opts BatcherOptions, logger *zap.Logger, metrics *observability.Metrics) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SilenceWindow <= 0 {
		opts.SilenceWindow = 1500 * time.Millisecond
	}
	return &Batcher{
		clock:            opts.Clock,
		silenceWindow:    opts.SilenceWindow,
		continuationHold: opts.ContinuationHold,
		minChars:         opts.MinChars,
		minConfidence:    opts.MinConfidence,
		onUtterance:      opts.OnUtterance,
		onInterim:        opts.OnInterim,
		logger:           logger.Named("batcher"),
		metrics:          metrics,
	}
}

// SetHandlers replaces the output hooks. It must be called before fragments flow.
func (b *Batcher) SetHandlers(onUtterance func(Utterance), onInterim func(Fragment)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUtterance = onUtterance
	b.onInterim = onInterim
}

// OnFragment buffers final fragments and forwards interim ones.
func (b *Batcher) OnFragment(f Fragment) {
	if !f.IsFinal {
		b.mu.Lock()
		onInterim := b.onInterim
		b.mu.Unlock()
		if onInterim != nil {
			onInterim(f)
		}
		return
	}
	if strings.TrimSpace(f.Text) == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		b.openedAt = f.Timestamp
		if b.openedAt.IsZero() {
			b.openedAt = b.clock.Now()
		}
	}
	b.pending = append(b.pending, f)
	b.armLocked(silenceWindowFor(f.Text, b.silenceWindow, b.continuationHold))
}

// Pending reports whether an utterance is open.
func (b *Batcher) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// Flush closes the pending utterance now. It is a no-op when nothing is pending.
func (b *Batcher) Flush() {
	b.mu.Lock()
	u, ok := b.takeLocked()
	onUtterance := b.onUtterance
	b.mu.Unlock()
	if ok {
		b.emit(u, onUtterance)
	}
}

// Discard drops the pending utterance without emitting it.
func (b *Batcher) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.takeLocked()
}

func (b *Batcher) armLocked(window time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = b.clock.AfterFunc(window, func() { b.flushIfCurrent(seq) })
}

func (b *Batcher) flushIfCurrent(seq uint64) {
	b.mu.Lock()
	if seq != b.seq {
		b.mu.Unlock()
		return
	}
	u, ok := b.takeLocked()
	onUtterance := b.onUtterance
	b.mu.Unlock()
	if ok {
		b.emit(u, onUtterance)
	}
}

func (b *Batcher) takeLocked() (Utterance, bool) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	if len(b.pending) == 0 {
		return Utterance{}, false
	}

	texts := make([]string, 0, len(b.pending))
	sum := 0.0
	for _, f := range b.pending {
		texts = append(texts, strings.TrimSpace(f.Text))
		sum += f.Confidence
	}
	u := Utterance{
		Text:       strings.Join(texts, " "),
		Confidence: sum / float64(len(b.pending)),
		Fragments:  b.pending,
		OpenedAt:   b.openedAt,
		FlushedAt:  b.clock.Now(),
	}
	b.pending = nil
	b.openedAt = time.Time{}
	return u, true
}

func (b *Batcher) emit(u Utterance, onUtterance func(Utterance)) {
	if utf8.RuneCountInString(u.Text) < b.minChars || u.Confidence < b.minConfidence {
		b.logger.Debug("utterance rejected",
			zap.String("text", policy.LogSafe(u.Text, 80)),
			zap.Float64("confidence", u.Confidence),
		)
		b.count("rejected")
		return
	}
	b.count("emitted")
	if onUtterance != nil {
		onUtterance(u)
	}
}

func (b *Batcher) count(outcome string) {
	if b.metrics != nil {
		b.metrics.Utterances.WithLabelValues(outcome).Inc()
	}
}
