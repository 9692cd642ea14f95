package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/companion/internal/reliability"
)

const (
	testRestartDelay = 750 * time.Millisecond
	waitFor          = 2 * time.Second
	tick             = 5 * time.Millisecond
)

type sessionHarness struct {
	t       *testing.T
	clock   *clock.Mock
	device  *MockDevice
	session *Session

	mu        sync.Mutex
	fragments []Fragment
	errs      []error
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		t:      t,
		clock:  clock.NewMock(),
		device: NewMockDevice(),
	}
	h.session = NewSession(h.device, SessionOptions{
		Clock: h.clock,
		RestartPolicy: reliability.RestartPolicy{
			Delay:       testRestartDelay,
			MaxAttempts: 3,
			BackoffCap:  4 * time.Second,
			Classify:    ClassifyDeviceError,
		},
		ProbeTimeout: time.Second,
		OnFragment: func(f Fragment) {
			h.mu.Lock()
			h.fragments = append(h.fragments, f)
			h.mu.Unlock()
		},
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
	}, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.session.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *sessionHarness) start() {
	h.t.Helper()
	require.NoError(h.t, h.session.Start(context.Background()))
	h.waitState(StateListening)
}

func (h *sessionHarness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.session.Snapshot().State == want
	}, waitFor, tick, "state never became %s (last %+v)", want, h.session.Snapshot())
}

func (h *sessionHarness) waitStarts(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.device.Starts() == n }, waitFor, tick,
		"device starts = %d, want %d", h.device.Starts(), n)
}

// barrier returns once every event queued so far has been applied.
func (h *sessionHarness) barrier() {
	h.session.CompleteTurn()
}

func (h *sessionHarness) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.fragments))
	for _, f := range h.fragments {
		out = append(out, f.Text)
	}
	return out
}

func (h *sessionHarness) surfaced() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func TestSessionStartReachesListening(t *testing.T) {
	h := newSessionHarness(t)
	assert.Equal(t, StateIdle, h.session.Snapshot().State)

	h.start()
	assert.Equal(t, 1, h.device.Starts())
	assert.True(t, h.device.Running())
}

func TestSessionStartProbeFailures(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		h := newSessionHarness(t)
		h.device.SetProbeError(ErrDeviceUnavailable)
		err := h.session.Start(context.Background())
		require.ErrorIs(t, err, ErrDeviceUnavailable)
		assert.Equal(t, StateIdle, h.session.Snapshot().State)
		assert.Zero(t, h.device.Starts())
	})
	t.Run("permission denied", func(t *testing.T) {
		h := newSessionHarness(t)
		h.device.SetProbeError(NewDeviceError(CodeNotAllowed, "user declined"))
		err := h.session.Start(context.Background())
		require.ErrorIs(t, err, ErrPermissionDenied)
		snap := h.session.Snapshot()
		assert.Equal(t, StateMuted, snap.State)
		assert.NotEmpty(t, snap.LastError)
		assert.Zero(t, h.device.Starts())
	})
	t.Run("probe timeout", func(t *testing.T) {
		h := newSessionHarness(t)
		h.device.SetProbeError(context.DeadlineExceeded)
		err := h.session.Start(context.Background())
		require.ErrorIs(t, err, ErrDeviceUnavailable)
	})
}

func TestSessionDeliversFragmentsInDeviceOrder(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	for _, text := range []string{"one", "two", "three", "four"} {
		require.True(t, h.device.Say(text, 0.9))
	}
	h.barrier()
	assert.Equal(t, []string{"one", "two", "three", "four"}, h.texts())
}

func TestSessionSuppressesFragmentsWhileSpeaking(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	h.session.NotifySpeakingStarted()
	assert.Equal(t, StateSpeaking, h.session.Snapshot().State)
	assert.False(t, h.device.Running(), "capture stops while speaking")

	// A late callback from the stopped run must not leak through.
	h.device.Say("echo of my own voice", 0.9)
	h.barrier()
	assert.Empty(t, h.texts())

	h.session.NotifySpeakingEnded()
	h.waitState(StateListening)
	h.device.Say("hello", 0.9)
	h.barrier()
	assert.Equal(t, []string{"hello"}, h.texts())
}

func TestSessionSuppressesFragmentsWhileMuted(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	require.NoError(t, h.session.Mute())
	assert.Equal(t, StateMuted, h.session.Snapshot().State)
	h.device.Say("should not be heard", 0.9)
	h.barrier()
	assert.Empty(t, h.texts())
}

func TestSessionNoSpeechRestartsSilently(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	require.True(t, h.device.Fail(CodeNoSpeech))
	h.barrier()
	assert.Equal(t, StateStarting, h.session.Snapshot().State)

	h.clock.Add(testRestartDelay - 50*time.Millisecond)
	h.barrier()
	assert.Equal(t, 1, h.device.Starts(), "no restart before the fixed delay")

	h.clock.Add(50 * time.Millisecond)
	h.waitStarts(2)
	h.waitState(StateListening)
	assert.Empty(t, h.surfaced())
	assert.Empty(t, h.session.Snapshot().LastError)
	assert.Equal(t, 1, h.session.Snapshot().Restarts)
}

func TestSessionRestartsWhenDeviceEndsItself(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	require.True(t, h.device.Emit(DeviceEvent{Kind: DeviceEnded}))
	h.barrier()
	h.clock.Add(testRestartDelay)
	h.waitStarts(2)
	h.waitState(StateListening)
	assert.Empty(t, h.surfaced())
}

func TestSessionRecoverableRestartsAreBounded(t *testing.T) {
	h := newSessionHarness(t)
	h.device.SetAutoStart(false)
	require.NoError(t, h.session.Start(context.Background()))

	for i := 1; i <= 3; i++ {
		h.waitStarts(i)
		require.True(t, h.device.Emit(DeviceEvent{Kind: DeviceEnded}))
		h.barrier()
		h.clock.Add(testRestartDelay)
	}
	h.waitStarts(4)
	require.True(t, h.device.Emit(DeviceEvent{Kind: DeviceEnded}))
	h.waitState(StateMuted)

	errs := h.surfaced()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRecognitionHalted)
}

func TestSessionTerminalErrorsBackOffThenHalt(t *testing.T) {
	h := newSessionHarness(t)
	h.device.SetAutoStart(false)
	require.NoError(t, h.session.Start(context.Background()))

	delays := []time.Duration{testRestartDelay, 2 * testRestartDelay, 4 * testRestartDelay}
	for i, d := range delays {
		h.waitStarts(i + 1)
		require.True(t, h.device.Fail(CodeAudioCapture))
		h.barrier()
		assert.Equal(t, StateError, h.session.Snapshot().State)

		h.clock.Add(d - time.Millisecond)
		h.barrier()
		assert.Equal(t, i+1, h.device.Starts(), "restart %d fired before backoff elapsed", i+1)
		h.clock.Add(time.Millisecond)
	}
	h.waitStarts(4)
	require.True(t, h.device.Fail(CodeAudioCapture))
	h.waitState(StateMuted)

	errs := h.surfaced()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRecognitionHalted)
	assert.ErrorIs(t, errs[0], ErrDeviceUnavailable)
}

func TestSessionTerminalErrorsHaltWhenDeviceStartsBetweenFailures(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	delays := []time.Duration{testRestartDelay, 2 * testRestartDelay, 4 * testRestartDelay}
	for i, d := range delays {
		require.True(t, h.device.Fail(CodeAudioCapture))
		h.barrier()
		assert.Equal(t, StateError, h.session.Snapshot().State)

		h.clock.Add(d)
		h.waitStarts(i + 2)
		h.waitState(StateListening)
	}
	require.True(t, h.device.Fail(CodeAudioCapture))
	h.waitState(StateMuted)

	h.clock.Add(time.Minute)
	h.barrier()
	assert.Equal(t, 4, h.device.Starts())
	errs := h.surfaced()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRecognitionHalted)
	assert.ErrorIs(t, errs[0], ErrDeviceUnavailable)
}

func TestSessionDeliveredResultClearsTerminalStreak(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	for i, d := range []time.Duration{testRestartDelay, 2 * testRestartDelay} {
		require.True(t, h.device.Fail(CodeAudioCapture))
		h.barrier()
		h.clock.Add(d)
		h.waitStarts(i + 2)
		h.waitState(StateListening)
	}

	require.True(t, h.device.Say("still here", 0.9))
	require.True(t, h.device.Fail(CodeAudioCapture))
	h.barrier()
	h.clock.Add(testRestartDelay)
	h.waitStarts(4)
	h.waitState(StateListening)

	assert.Equal(t, []string{"still here"}, h.texts())
	assert.Empty(t, h.surfaced())
}

func TestSessionPermissionRevokedHaltsImmediately(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	require.True(t, h.device.Fail(CodeNotAllowed))
	h.waitState(StateMuted)
	h.clock.Add(time.Minute)
	h.barrier()

	assert.Equal(t, 1, h.device.Starts())
	errs := h.surfaced()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrPermissionDenied))
}

func TestSessionMuteCancelsPendingRestart(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	require.True(t, h.device.Fail(CodeNetwork))
	h.barrier()
	require.NoError(t, h.session.Mute())
	h.clock.Add(time.Minute)
	h.barrier()

	assert.Equal(t, 1, h.device.Starts())
	assert.Equal(t, StateMuted, h.session.Snapshot().State)

	require.NoError(t, h.session.Unmute())
	h.waitState(StateListening)
	assert.Equal(t, 2, h.device.Starts())
}

func TestSessionMuteWhileSpeakingStaysMuted(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	h.session.NotifySpeakingStarted()
	require.NoError(t, h.session.Mute())
	snap := h.session.Snapshot()
	assert.Equal(t, StateMuted, snap.State)
	assert.True(t, snap.Speaking)

	h.session.NotifySpeakingEnded()
	h.clock.Add(time.Minute)
	h.barrier()
	snap = h.session.Snapshot()
	assert.Equal(t, StateMuted, snap.State)
	assert.False(t, snap.Speaking)
	assert.Equal(t, 1, h.device.Starts(), "listening must not resume while muted")
}

func TestSessionUnmuteWhileSpeakingDefersListening(t *testing.T) {
	h := newSessionHarness(t)
	h.start()
	require.NoError(t, h.session.Mute())
	h.session.NotifySpeakingStarted()

	require.NoError(t, h.session.Unmute())
	assert.Equal(t, StateSpeaking, h.session.Snapshot().State)
	assert.Equal(t, 1, h.device.Starts())

	h.session.NotifySpeakingEnded()
	h.waitState(StateListening)
	assert.Equal(t, 2, h.device.Starts())
}

func TestSessionNestedSpeakingCountsDepth(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	h.session.NotifySpeakingStarted()
	h.session.NotifySpeakingStarted()
	h.session.NotifySpeakingEnded()
	assert.Equal(t, StateSpeaking, h.session.Snapshot().State)
	assert.Equal(t, 1, h.device.Starts())

	h.session.NotifySpeakingEnded()
	h.waitState(StateListening)

	// An unmatched end is ignored.
	h.session.NotifySpeakingEnded()
	assert.Equal(t, StateListening, h.session.Snapshot().State)
}

func TestSessionProcessingTurn(t *testing.T) {
	h := newSessionHarness(t)
	h.start()

	h.session.MarkProcessing()
	assert.Equal(t, StateProcessing, h.session.Snapshot().State)

	h.device.Say("still talking", 0.9)
	h.barrier()
	assert.Equal(t, []string{"still talking"}, h.texts(), "fragments flow while processing")

	h.session.CompleteTurn()
	assert.Equal(t, StateListening, h.session.Snapshot().State)

	h.session.MarkProcessing()
	h.session.NotifySpeakingStarted()
	assert.Equal(t, StateSpeaking, h.session.Snapshot().State)
	h.session.NotifySpeakingEnded()
	h.waitState(StateListening)
}

func TestSessionStartClearsMute(t *testing.T) {
	h := newSessionHarness(t)
	h.start()
	require.NoError(t, h.session.Mute())

	require.NoError(t, h.session.Start(context.Background()))
	h.waitState(StateListening)
	assert.False(t, h.session.Snapshot().Muted)
}

func TestSessionStartFailureIsRestarted(t *testing.T) {
	h := newSessionHarness(t)
	h.device.SetStartError(NewDeviceError(CodeAborted, "busy"))
	require.NoError(t, h.session.Start(context.Background()))
	h.barrier()
	assert.Equal(t, StateStarting, h.session.Snapshot().State)

	h.device.SetStartError(nil)
	h.clock.Add(testRestartDelay)
	h.waitState(StateListening)
}

func TestSessionClosedCommandsFail(t *testing.T) {
	s := NewSession(NewMockDevice(), SessionOptions{Clock: clock.NewMock()}, zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.ErrorIs(t, s.Mute(), ErrSessionClosed)
	assert.Error(t, s.Run(context.Background()), "Run twice")
}
