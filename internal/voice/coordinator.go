package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/backend"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/policy"
)

var ErrTurnQueueFull = errors.New("too many pending turns")

// ChatSender delivers one message to the backend.
type ChatSender interface {
	SendChat(ctx context.Context, message string) (backend.ChatExchange, error)
}

type TranscriptRecorder interface {
	Append(ex backend.ChatExchange)
}

type CoordinatorOptions struct {
	Session    *Session
	Batcher    *Batcher
	Speech     *SpeechOutput
	Chat       ChatSender
	Transcript TranscriptRecorder
	QueueSize  int

	OnInterim  func(Fragment)
	OnExchange func(backend.ChatExchange)
	// OnError receives every user-facing failure exactly once.
	OnError func(error)
}

const (
	SourceVoice = "voice"
	SourceText  = "text"
)

type turnResult struct {
	exchange backend.ChatExchange
	err      error
}

type turn struct {
	id         string
	source     string
	text       string
	utterance  *Utterance
	enqueuedAt time.Time
	result     chan turnResult
}

func (t turn) reply(ex backend.ChatExchange, err error) {
	if t.result != nil {
		t.result <- turnResult{exchange: ex, err: err}
	}
}

// Coordinator runs the voice/chat loop: recognition fragments are batched
// into utterances, utterances and typed messages are sent one turn at a
// time, and replies are spoken before the next turn starts.
type Coordinator struct {
	session    *Session
	batcher    *Batcher
	speech     *SpeechOutput
	chat       ChatSender
	transcript TranscriptRecorder
	onInterim  func(Fragment)
	onExchange func(backend.ChatExchange)
	onError    func(error)
	logger     *zap.Logger
	metrics    *observability.Metrics

	turns chan turn
}

func NewCoordinator(opts CoordinatorOptions, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	c := &Coordinator{
		session:    opts.Session,
		batcher:    opts.Batcher,
		speech:     opts.Speech,
		chat:       opts.Chat,
		transcript: opts.Transcript,
		onInterim:  opts.OnInterim,
		onExchange: opts.OnExchange,
		onError:    opts.OnError,
		logger:     logger.Named("coordinator"),
		metrics:    metrics,
		turns:      make(chan turn, opts.QueueSize),
	}
	c.session.SetFragmentHandler(c.batcher.OnFragment)
	c.session.SetErrorHandler(c.surface)
	c.batcher.SetHandlers(c.enqueueUtterance, c.interim)
	return c
}

// Run processes turns until ctx is done. It does not run the session loop.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.speech.Cancel()
			c.drain(ctx.Err())
			return nil
		case t := <-c.turns:
			c.runTurn(ctx, t)
		}
	}
}

func (c *Coordinator) Session() *Session { return c.session }

func (c *Coordinator) Speech() *SpeechOutput { return c.speech }

// Snapshot returns the current voice session state.
func (c *Coordinator) Snapshot() Snapshot { return c.session.Snapshot() }

func (c *Coordinator) SpeechEnabled() bool { return c.speech.Enabled() }

func (c *Coordinator) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Mute stops listening. Speech already heard is flushed and still sent.
func (c *Coordinator) Mute() error {
	if err := c.session.Mute(); err != nil {
		return err
	}
	c.batcher.Flush()
	return nil
}

func (c *Coordinator) Unmute() error {
	return c.session.Unmute()
}

func (c *Coordinator) SetSpeechEnabled(enabled bool) {
	c.speech.SetEnabled(enabled)
}

// SubmitText queues a typed message and waits for its exchange. Speaking
// the reply continues after SubmitText returns.
func (c *Coordinator) SubmitText(ctx context.Context, text string) (backend.ChatExchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return backend.ChatExchange{}, backend.ErrEmptyMessage
	}
	t := turn{
		id:         uuid.NewString(),
		source:     SourceText,
		text:       text,
		enqueuedAt: time.Now(),
		result:     make(chan turnResult, 1),
	}
	select {
	case c.turns <- t:
	case <-ctx.Done():
		return backend.ChatExchange{}, ctx.Err()
	}
	select {
	case r := <-t.result:
		return r.exchange, r.err
	case <-ctx.Done():
		return backend.ChatExchange{}, ctx.Err()
	}
}

func (c *Coordinator) enqueueUtterance(u Utterance) {
	t := turn{
		id:         uuid.NewString(),
		source:     SourceVoice,
		text:       u.Text,
		utterance:  &u,
		enqueuedAt: time.Now(),
	}
	select {
	case c.turns <- t:
		c.logger.Debug("utterance queued",
			zap.String("turn_id", t.id),
			zap.String("text", policy.LogSafe(u.Text, 80)),
			zap.Float64("confidence", u.Confidence),
		)
	default:
		c.surface(fmt.Errorf("%w: dropped utterance", ErrTurnQueueFull))
	}
}

func (c *Coordinator) interim(f Fragment) {
	if c.onInterim != nil {
		c.onInterim(f)
	}
}

func (c *Coordinator) runTurn(ctx context.Context, t turn) {
	started := time.Now()
	if t.utterance != nil && !t.utterance.OpenedAt.IsZero() {
		c.metrics.ObserveTurnStage(observability.StageBatchWait, t.utterance.FlushedAt.Sub(t.utterance.OpenedAt))
	}

	c.session.MarkProcessing()
	ex, err := c.chat.SendChat(ctx, t.text)
	c.metrics.ObserveTurnStage(observability.StageChatRoundtrip, time.Since(started))
	if err != nil {
		c.session.CompleteTurn()
		t.reply(backend.ChatExchange{}, err)
		if !errors.Is(err, context.Canceled) {
			c.surface(fmt.Errorf("chat: %w", err))
		}
		return
	}
	if ex.Attempts > 1 {
		c.metrics.ObserveTurnIndicator("chat_retried")
	}
	ex.TurnID = t.id
	ex.Source = t.source
	if c.transcript != nil {
		c.transcript.Append(ex)
	}
	if c.onExchange != nil {
		c.onExchange(ex)
	}
	t.reply(ex, nil)

	speakStarted := time.Now()
	done, err := c.speech.Speak(ctx, ex.ResponseText, ex.EmotionTag)
	if err != nil {
		c.surface(err)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	c.session.CompleteTurn()
	c.metrics.ObserveTurnStage(observability.StageSpeechPlayback, time.Since(speakStarted))
	c.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(t.enqueuedAt))
}

func (c *Coordinator) drain(err error) {
	for {
		select {
		case t := <-c.turns:
			t.reply(backend.ChatExchange{}, err)
		default:
			return
		}
	}
}

func (c *Coordinator) surface(err error) {
	if err == nil {
		return
	}
	c.logger.Warn("surfacing error", zap.Error(err))
	if c.onError != nil {
		c.onError(err)
	}
}
