package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/reliability"
)

type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateMuted      State = "muted"
	StateError      State = "error"
)

// Snapshot is the externally visible session state.
type Snapshot struct {
	State     State  `json:"state"`
	Muted     bool   `json:"muted"`
	Speaking  bool   `json:"speaking"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

type SessionOptions struct {
	Clock         clock.Clock
	RestartPolicy reliability.RestartPolicy
	ProbeTimeout  time.Duration
	StartMuted    bool

	// OnFragment receives every fragment that passes suppression, in device order.
	OnFragment func(Fragment)
	OnState    func(Snapshot)
	// OnError is called once per halt with the user-facing error.
	OnError func(error)
}

const sessionCommandBuffer = 256

// Session owns one recognition device and its listening lifecycle. All
// state lives on the goroutine running Run; public methods submit commands
// to it and wait for them to apply.
type Session struct {
	device       RecognitionDevice
	clock        clock.Clock
	policy       reliability.RestartPolicy
	probeTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
	onFragment   func(Fragment)
	onState      func(Snapshot)
	onError      func(error)

	cmds    chan func()
	stopped chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	active         bool
	muted          bool
	speakingDepth  int
	processing     bool
	deviceOn       bool
	listening      bool
	backingOff     bool
	generation     uint64
	attempts       int
	// Consecutive terminal failures. A device that reports started and
	// then fails again does not clear it.
	terminalStreak int
	restarts       int
	restartSeq     uint64
	restartTimer   *clock.Timer
	lastErr        error
	published      Snapshot

	mu   sync.RWMutex
	snap Snapshot
}

func NewSession(device RecognitionDevice, opts SessionOptions, logger *zap.Logger, metrics *observability.Metrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.RestartPolicy.Classify == nil {
		opts.RestartPolicy.Classify = ClassifyDeviceError
	}
	s := &Session{
		device:       device,
		clock:        opts.Clock,
		policy:       opts.RestartPolicy,
		probeTimeout: opts.ProbeTimeout,
		logger:       logger.Named("voice_session"),
		metrics:      metrics,
		onFragment:   opts.OnFragment,
		onState:      opts.OnState,
		onError:      opts.OnError,
		cmds:         make(chan func(), sessionCommandBuffer),
		stopped:      make(chan struct{}),
		muted:        opts.StartMuted,
	}
	s.snap = s.snapshot()
	s.published = s.snap
	return s
}

// SetFragmentHandler replaces the fragment sink. It must be called before Run.
func (s *Session) SetFragmentHandler(fn func(Fragment)) { s.onFragment = fn }

// SetStateHandler replaces the state hook. It must be called before Run.
func (s *Session) SetStateHandler(fn func(Snapshot)) { s.onState = fn }

// SetErrorHandler replaces the error hook. It must be called before Run.
func (s *Session) SetErrorHandler(fn func(error)) { s.onError = fn }

// Run processes commands, device events and timers until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("voice session already running")
	}
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			s.cancelRestart()
			s.stopDevice()
			s.publish()
			return nil
		case fn := <-s.cmds:
			fn()
			s.publish()
		}
	}
}

// Snapshot returns the last published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start probes the device and begins continuous listening. Start clears mute.
func (s *Session) Start(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	err := s.device.Probe(probeCtx)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: capability probe timed out", ErrDeviceUnavailable)
		default:
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		permission := errors.Is(err, ErrPermissionDenied)
		if execErr := s.exec(func() {
			s.lastErr = err
			if permission {
				s.cancelRestart()
				s.stopDevice()
				s.muted = true
			}
		}); execErr != nil {
			return execErr
		}
		s.logger.Warn("recognition probe failed", zap.Error(err))
		return err
	}

	return s.exec(func() {
		s.active = true
		s.muted = false
		s.attempts = 0
		s.terminalStreak = 0
		s.lastErr = nil
		s.backingOff = false
		s.cancelRestart()
		if s.speakingDepth > 0 || s.deviceOn {
			return
		}
		s.startDevice()
	})
}

// Mute stops capture. No automatic restart happens until Unmute or Start.
func (s *Session) Mute() error {
	return s.exec(func() {
		if s.muted {
			return
		}
		s.muted = true
		s.backingOff = false
		s.cancelRestart()
		s.stopDevice()
		s.logger.Info("voice muted")
	})
}

// Unmute resumes listening, or defers it until playback ends while speaking.
func (s *Session) Unmute() error {
	return s.exec(func() {
		if !s.muted {
			return
		}
		s.muted = false
		s.attempts = 0
		s.terminalStreak = 0
		s.lastErr = nil
		s.logger.Info("voice unmuted")
		if !s.active || s.speakingDepth > 0 || s.deviceOn {
			return
		}
		s.startDevice()
	})
}

// NotifySpeakingStarted suppresses capture while the assistant talks.
// Calls nest; capture resumes only when every start has a matching end.
func (s *Session) NotifySpeakingStarted() {
	_ = s.exec(func() {
		s.speakingDepth++
		s.processing = false
		if s.speakingDepth == 1 {
			s.backingOff = false
			s.cancelRestart()
			s.stopDevice()
		}
	})
}

func (s *Session) NotifySpeakingEnded() {
	_ = s.exec(func() {
		if s.speakingDepth == 0 {
			s.logger.Warn("speaking ended without matching start")
			return
		}
		s.speakingDepth--
		if s.speakingDepth > 0 || s.muted || !s.active || s.deviceOn {
			return
		}
		s.startDevice()
	})
}

// MarkProcessing records that an utterance was dispatched to the backend.
func (s *Session) MarkProcessing() {
	_ = s.exec(func() {
		if s.muted || s.speakingDepth > 0 {
			return
		}
		s.processing = true
	})
}

// CompleteTurn ends a processing turn whose reply is not spoken.
func (s *Session) CompleteTurn() {
	_ = s.exec(func() {
		s.processing = false
	})
}

// exec runs fn on the loop goroutine and waits until its effect is published.
func (s *Session) exec(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
		s.publish()
	}
	select {
	case s.cmds <- wrapped:
	case <-s.stopped:
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrSessionClosed
	}
}

// post queues fn without waiting. Device callbacks and timers use it.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stopped:
	}
}

func (s *Session) sinkFor(gen uint64) DeviceSink {
	return func(ev DeviceEvent) {
		s.post(func() { s.handleDeviceEvent(gen, ev) })
	}
}

func (s *Session) handleDeviceEvent(gen uint64, ev DeviceEvent) {
	if gen != s.generation || !s.deviceOn {
		return
	}
	switch ev.Kind {
	case DeviceStarted:
		s.listening = true
		s.backingOff = false
		s.attempts = 0
	case DeviceResult:
		if s.muted || s.speakingDepth > 0 {
			return
		}
		s.terminalStreak = 0
		if s.onFragment != nil {
			s.onFragment(ev.Fragment)
		}
	case DeviceFailed:
		err := ev.Err
		if err == nil {
			err = NewDeviceError("unknown", "")
		}
		s.stopDevice()
		s.handleFailure(err)
	case DeviceEnded:
		s.generation++
		s.deviceOn = false
		s.listening = false
		s.handleFailure(nil)
	}
}

func (s *Session) startDevice() {
	s.generation++
	gen := s.generation
	s.deviceOn = true
	s.listening = false
	s.backingOff = false
	if err := s.device.Start(s.sinkFor(gen)); err != nil {
		s.generation++
		s.deviceOn = false
		s.handleFailure(err)
	}
}

func (s *Session) stopDevice() {
	if !s.deviceOn {
		return
	}
	s.generation++
	s.deviceOn = false
	s.listening = false
	if err := s.device.Stop(); err != nil {
		s.logger.Debug("recognition stop failed", zap.Error(err))
	}
}

// handleFailure applies the restart policy to a device that stopped.
// A nil err means the device ended on its own.
func (s *Session) handleFailure(err error) {
	code := deviceErrorCode(err)
	if s.metrics != nil && err != nil {
		s.metrics.DeviceErrors.WithLabelValues(code).Inc()
	}
	if s.muted || s.speakingDepth > 0 || !s.active {
		return
	}

	s.attempts++
	attempt := s.attempts
	if s.policy.Classify(err) == reliability.RestartTerminal {
		s.terminalStreak++
		attempt = s.terminalStreak
	} else {
		s.terminalStreak = 0
	}
	d := s.policy.Next(err, attempt)
	if !d.Restart {
		s.halt(err)
		return
	}

	s.restarts++
	s.backingOff = d.Class == reliability.RestartTerminal
	if s.backingOff {
		s.lastErr = err
	}
	if s.metrics != nil {
		s.metrics.DeviceRestarts.WithLabelValues(d.Class.String()).Inc()
	}
	s.logger.Debug("scheduling recognition restart",
		zap.String("code", code),
		zap.String("class", d.Class.String()),
		zap.Int("attempt", attempt),
		zap.Duration("after", d.After),
	)
	s.scheduleRestart(d.After)
}

func (s *Session) scheduleRestart(after time.Duration) {
	s.cancelRestart()
	seq := s.restartSeq
	s.restartTimer = s.clock.AfterFunc(after, func() {
		s.post(func() { s.handleRestartTimer(seq) })
	})
}

func (s *Session) handleRestartTimer(seq uint64) {
	if seq != s.restartSeq {
		return
	}
	s.restartTimer = nil
	if s.muted || s.speakingDepth > 0 || !s.active || s.deviceOn {
		return
	}
	s.startDevice()
}

func (s *Session) cancelRestart() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.restartSeq++
}

// halt stops recognition for good and surfaces one error.
func (s *Session) halt(cause error) {
	s.cancelRestart()
	s.stopDevice()
	s.muted = true
	s.backingOff = false

	surfaced := ErrRecognitionHalted
	if cause != nil {
		surfaced = fmt.Errorf("%w: %w", ErrRecognitionHalted, cause)
	}
	s.lastErr = surfaced
	s.logger.Warn("recognition halted", zap.Error(surfaced), zap.Int("attempts", s.attempts))
	if s.onError != nil {
		s.onError(surfaced)
	}
}

func (s *Session) state() State {
	switch {
	case s.muted:
		return StateMuted
	case s.speakingDepth > 0:
		return StateSpeaking
	case s.processing:
		return StateProcessing
	case !s.active:
		return StateIdle
	case s.backingOff:
		return StateError
	case s.listening:
		return StateListening
	default:
		return StateStarting
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:    s.state(),
		Muted:    s.muted,
		Speaking: s.speakingDepth > 0,
		Restarts: s.restarts,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

func (s *Session) publish() {
	snap := s.snapshot()
	if snap == s.published {
		return
	}
	prev := s.published
	s.published = snap

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	if snap.State != prev.State {
		if s.metrics != nil {
			s.metrics.StateTransitions.WithLabelValues(string(snap.State)).Inc()
		}
		s.logger.Debug("voice state", zap.String("from", string(prev.State)), zap.String("to", string(snap.State)))
	}
	if s.onState != nil {
		s.onState(snap)
	}
}
