package bridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/voice"
)

var (
	_ voice.RecognitionDevice = (*Hub)(nil)
	_ voice.SpeechEngine      = (*Hub)(nil)
)

// recognitionRun is one Start..Stop span of the page recognizer. Events
// carrying another run id are late callbacks and are dropped.
type recognitionRun struct {
	id   string
	sink voice.DeviceSink
}

// Probe asks the owning page whether it can recognize speech and whether the
// microphone may be used.
func (h *Hub) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.ProbeTimeout)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan protocol.Capability, 1)
	h.mu.Lock()
	a := h.page
	if a == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", voice.ErrDeviceUnavailable, ErrNoPage)
	}
	h.probes[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.probes, id)
		h.mu.Unlock()
	}()

	if !h.enqueue(a, protocol.CapabilityProbe{Type: protocol.TypeCapabilityProbe, RequestID: id}) {
		return fmt.Errorf("%w: %w", voice.ErrDeviceUnavailable, ErrOutboundFull)
	}
	select {
	case c, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: %w", voice.ErrDeviceUnavailable, ErrPageDetached)
		}
		return capabilityError(c)
	case <-ctx.Done():
		return fmt.Errorf("%w: capability probe: %w", voice.ErrDeviceUnavailable, ctx.Err())
	}
}

func capabilityError(c protocol.Capability) error {
	switch {
	case c.Recognition != protocol.RecognitionSupported:
		return fmt.Errorf("%w: page has no speech recognition", voice.ErrDeviceUnavailable)
	case c.Permission == protocol.PermissionDenied:
		return fmt.Errorf("%w: page reports microphone access denied", voice.ErrPermissionDenied)
	}
	return nil
}

func (h *Hub) deliverCapability(c protocol.Capability) {
	h.mu.Lock()
	var targets []chan protocol.Capability
	for id, ch := range h.probes {
		if c.RequestID == "" || c.RequestID == id {
			targets = append(targets, ch)
			delete(h.probes, id)
		}
	}
	h.mu.Unlock()
	for _, ch := range targets {
		ch <- c
	}
}

// Start begins a continuous recognition run on the owning page.
func (h *Hub) Start(sink voice.DeviceSink) error {
	h.mu.Lock()
	a := h.page
	if a == nil {
		h.mu.Unlock()
		return voice.NewDeviceError(voice.CodeDeviceGone, ErrNoPage.Error())
	}
	run := &recognitionRun{id: uuid.NewString(), sink: sink}
	h.run = run
	h.mu.Unlock()

	ok := h.enqueue(a, protocol.RecognitionStart{
		Type:           protocol.TypeRecognitionStart,
		RunID:          run.id,
		Continuous:     true,
		InterimResults: true,
	})
	if !ok {
		h.mu.Lock()
		if h.run == run {
			h.run = nil
		}
		h.mu.Unlock()
		return voice.NewDeviceError(voice.CodeNetwork, ErrOutboundFull.Error())
	}
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	run := h.run
	h.run = nil
	a := h.page
	h.mu.Unlock()
	if run != nil && a != nil {
		h.enqueue(a, protocol.RecognitionStop{Type: protocol.TypeRecognitionStop, RunID: run.id})
	}
	return nil
}

func (h *Hub) deliverRecognition(runID string, ev voice.DeviceEvent) {
	h.mu.Lock()
	run := h.run
	if run == nil || run.id != runID {
		h.mu.Unlock()
		h.logger.Debug("dropping stale recognition event", zap.String("run_id", runID), zap.String("kind", string(ev.Kind)))
		return
	}
	if ev.Kind == voice.DeviceEnded || ev.Kind == voice.DeviceFailed {
		h.run = nil
	}
	h.mu.Unlock()
	run.sink(ev)
}

// Speak hands req to the page synthesizer. done runs when the page reports
// the end of playback, on Cancel, or when the page goes away.
func (h *Hub) Speak(_ context.Context, req voice.SpeechRequest, done func(error)) error {
	h.mu.Lock()
	a := h.page
	if a == nil {
		h.mu.Unlock()
		return ErrNoPage
	}
	h.speeches[req.ID] = done
	h.mu.Unlock()

	ok := h.enqueue(a, protocol.SpeechSpeak{
		Type:     protocol.TypeSpeechSpeak,
		SpeechID: req.ID,
		Text:     req.Text,
		Segments: req.Segments,
		Emotion:  req.Emotion,
		Rate:     req.Params.Rate,
		Pitch:    req.Params.Pitch,
		Volume:   req.Params.Volume,
	})
	if !ok {
		h.mu.Lock()
		delete(h.speeches, req.ID)
		h.mu.Unlock()
		return ErrOutboundFull
	}
	return nil
}

func (h *Hub) Cancel(id string) {
	h.mu.Lock()
	done, ok := h.speeches[id]
	delete(h.speeches, id)
	a := h.page
	h.mu.Unlock()
	if !ok {
		return
	}
	if a != nil {
		h.enqueue(a, protocol.SpeechCancel{Type: protocol.TypeSpeechCancel, SpeechID: id})
	}
	done(voice.ErrSpeechCancelled)
}

func (h *Hub) finishSpeech(id string, err error) {
	h.mu.Lock()
	done, ok := h.speeches[id]
	delete(h.speeches, id)
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("speech_end for unknown speech", zap.String("speech_id", id))
		return
	}
	done(err)
}
