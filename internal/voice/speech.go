package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/observability"
)

var ErrSpeechCancelled = errors.New("speech cancelled")

// SpeakingNotifier is the part of Session that SpeechOutput drives.
type SpeakingNotifier interface {
	NotifySpeakingStarted()
	NotifySpeakingEnded()
}

type playback struct {
	id     string
	once   sync.Once
	done   chan struct{}
	finish func(error)
}

// SpeechOutput speaks assistant replies, one at a time, and keeps the
// recognition session suppressed while audio plays.
type SpeechOutput struct {
	engine   SpeechEngine
	notifier SpeakingNotifier
	emotions EmotionTable
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	enabled bool
	current *playback
}

func NewSpeechOutput(engine SpeechEngine, notifier SpeakingNotifier, emotions EmotionTable, enabled bool, logger *zap.Logger, metrics *observability.Metrics) *SpeechOutput {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emotions == nil {
		emotions = DefaultEmotionTable()
	}
	return &SpeechOutput{
		engine:   engine,
		notifier: notifier,
		emotions: emotions,
		logger:   logger.Named("speech"),
		metrics:  metrics,
		enabled:  enabled,
	}
}

func (o *SpeechOutput) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// SetEnabled toggles speech. Disabling cuts off the current reply.
func (o *SpeechOutput) SetEnabled(enabled bool) {
	o.mu.Lock()
	o.enabled = enabled
	o.mu.Unlock()
	if !enabled {
		o.Cancel()
	}
}

// Speak plays text with the voice parameters for emotion, replacing any
// reply still playing. The returned channel closes when playback is over.
func (o *SpeechOutput) Speak(ctx context.Context, text, emotion string) (<-chan struct{}, error) {
	if !o.Enabled() {
		return closedSignal(), nil
	}
	clean := sanitizeSpeechText(text)
	if clean == "" {
		return closedSignal(), nil
	}

	req := SpeechRequest{
		ID:       uuid.NewString(),
		Text:     clean,
		Segments: speechSegments(clean),
		Emotion:  normalizeEmotion(emotion),
		Params:   o.emotions.Lookup(emotion),
	}
	pb := &playback{id: req.ID, done: make(chan struct{})}
	pb.finish = func(err error) {
		pb.once.Do(func() {
			o.mu.Lock()
			if o.current == pb {
				o.current = nil
			}
			o.mu.Unlock()
			o.notifier.NotifySpeakingEnded()
			o.count(err)
			if err != nil && !errors.Is(err, ErrSpeechCancelled) {
				o.logger.Warn("speech playback failed", zap.String("speech_id", pb.id), zap.Error(err))
			}
			close(pb.done)
		})
	}

	// Start the new reply before ending the old one so suppression never drops to zero in between.
	o.notifier.NotifySpeakingStarted()
	o.mu.Lock()
	prev := o.current
	o.current = pb
	o.mu.Unlock()
	if prev != nil {
		o.engine.Cancel(prev.id)
		prev.finish(ErrSpeechCancelled)
	}

	o.logger.Debug("speaking",
		zap.String("speech_id", req.ID),
		zap.String("emotion", req.Emotion),
		zap.Int("segments", len(req.Segments)),
	)
	if err := o.engine.Speak(ctx, req, pb.finish); err != nil {
		pb.finish(err)
		return pb.done, fmt.Errorf("speak: %w", err)
	}
	return pb.done, nil
}

// Cancel stops the reply that is playing, if any.
func (o *SpeechOutput) Cancel() {
	o.mu.Lock()
	pb := o.current
	o.mu.Unlock()
	if pb == nil {
		return
	}
	o.engine.Cancel(pb.id)
	pb.finish(ErrSpeechCancelled)
}

// Speaking reports whether a reply is playing.
func (o *SpeechOutput) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

func (o *SpeechOutput) count(err error) {
	if o.metrics == nil {
		return
	}
	outcome := "completed"
	switch {
	case errors.Is(err, ErrSpeechCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	o.metrics.SpeechUtterances.WithLabelValues(outcome).Inc()
}

func closedSignal() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
