package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MockDevice is an in-process recognition device used in tests and in
// "mock" device mode, where fragments are injected instead of captured.
type MockDevice struct {
	mu        sync.Mutex
	sink      DeviceSink
	running   bool
	probeErr  error
	startErr  error
	autoStart bool
	starts    int
	stops     int
}

func NewMockDevice() *MockDevice {
	return &MockDevice{autoStart: true}
}

func (d *MockDevice) Probe(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.probeErr
}

func (d *MockDevice) Start(sink DeviceSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.startErr != nil {
		return d.startErr
	}
	d.sink = sink
	d.running = true
	if d.autoStart {
		go sink(DeviceEvent{Kind: DeviceStarted})
	}
	return nil
}

func (d *MockDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.running = false
	return nil
}

func (d *MockDevice) SetProbeError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probeErr = err
}

func (d *MockDevice) SetStartError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr = err
}

// SetAutoStart controls whether Start reports DeviceStarted on its own.
func (d *MockDevice) SetAutoStart(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoStart = v
}

// Emit delivers ev to the sink of the latest Start, even after Stop, the
// way a real recognizer can deliver a late callback.
func (d *MockDevice) Emit(ev DeviceEvent) bool {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(ev)
	return true
}

// Say injects a final fragment.
func (d *MockDevice) Say(text string, confidence float64) bool {
	return d.Emit(DeviceEvent{Kind: DeviceResult, Fragment: Fragment{
		Text: text, IsFinal: true, Confidence: confidence, Timestamp: time.Now(),
	}})
}

// Fail injects a device error with the given code.
func (d *MockDevice) Fail(code string) bool {
	return d.Emit(DeviceEvent{Kind: DeviceFailed, Err: NewDeviceError(code, "")})
}

func (d *MockDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *MockDevice) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *MockDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

var errMockEngineDetached = errors.New("mock speech engine failure")

// MockSpeechEngine "plays" a request for PerChar per character of text on
// its clock. With Manual set, playback only ends through Finish or Fail.
type MockSpeechEngine struct {
	Clock   clock.Clock
	PerChar time.Duration
	Manual  bool

	mu       sync.Mutex
	active   map[string]*mockPlayback
	spoken   []SpeechRequest
	startErr error
	failNow  error
}

type mockPlayback struct {
	timer *clock.Timer
	done  func(error)
}

func NewMockSpeechEngine(clk clock.Clock) *MockSpeechEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &MockSpeechEngine{
		Clock:   clk,
		PerChar: 20 * time.Millisecond,
		active:  make(map[string]*mockPlayback),
	}
}

func (e *MockSpeechEngine) Speak(_ context.Context, req SpeechRequest, done func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.spoken = append(e.spoken, req)
	if e.failNow != nil {
		err := e.failNow
		go done(err)
		return nil
	}
	pb := &mockPlayback{done: done}
	e.active[req.ID] = pb
	if !e.Manual {
		id := req.ID
		pb.timer = e.Clock.AfterFunc(time.Duration(len(req.Text))*e.PerChar, func() {
			e.end(id, nil)
		})
	}
	return nil
}

func (e *MockSpeechEngine) Cancel(id string) {
	e.end(id, ErrSpeechCancelled)
}

// Finish completes playback of id.
func (e *MockSpeechEngine) Finish(id string) { e.end(id, nil) }

// FinishAll completes every active playback.
func (e *MockSpeechEngine) FinishAll() {
	for _, id := range e.activeIDs() {
		e.end(id, nil)
	}
}

// Fail ends playback of id with err.
func (e *MockSpeechEngine) Fail(id string, err error) {
	if err == nil {
		err = errMockEngineDetached
	}
	e.end(id, err)
}

// SetStartError makes Speak refuse new requests.
func (e *MockSpeechEngine) SetStartError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// SetImmediateFailure makes accepted requests fail as soon as they start.
func (e *MockSpeechEngine) SetImmediateFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNow = err
}

func (e *MockSpeechEngine) Spoken() []SpeechRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SpeechRequest, len(e.spoken))
	copy(out, e.spoken)
	return out
}

func (e *MockSpeechEngine) activeIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *MockSpeechEngine) end(id string, err error) {
	e.mu.Lock()
	pb, ok := e.active[id]
	if ok {
		delete(e.active, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if pb.timer != nil {
		pb.timer.Stop()
	}
	pb.done(err)
}
