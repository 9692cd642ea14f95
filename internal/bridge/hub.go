package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/voice"
)

var (
	ErrNoPage       = errors.New("no bridge page attached")
	ErrPageDetached = errors.New("bridge page detached")
	ErrOutboundFull = errors.New("bridge outbound queue full")
)

const (
	outboundQueueSize = 256
	readLimitBytes    = 1 << 20
)

type Options struct {
	ProbeTimeout time.Duration
	WriteTimeout time.Duration
	// ReadTimeout bounds the silence between pongs or messages from the page.
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// Hub connects the controller to at most one browser page. The page hosts
// the platform recognizer and synthesizer; the hub exposes them as
// voice.RecognitionDevice and voice.SpeechEngine.
type Hub struct {
	opts     Options
	registry *session.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	page     *attachment
	probes   map[string]chan protocol.Capability
	run      *recognitionRun
	speeches map[string]func(error)
	onAttach func(pageID string)
	onDetach func(pageID string)
	control  func(pageID string, msg protocol.ClientControl)
}

type attachment struct {
	pageID string
	conn   *websocket.Conn
	out    chan any
	cancel context.CancelFunc
}

func NewHub(opts Options, registry *session.Registry, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{
		opts:     opts,
		registry: registry,
		logger:   logger.Named("bridge"),
		metrics:  metrics,
		probes:   make(map[string]chan protocol.Capability),
		speeches: make(map[string]func(error)),
	}
}

// SetAttachHook is called after a page becomes the device owner.
func (h *Hub) SetAttachHook(fn func(pageID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAttach = fn
}

// SetDetachHook is called after the owning page goes away.
func (h *Hub) SetDetachHook(fn func(pageID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDetach = fn
}

// SetControlHandler receives client_control messages from the owning page.
// It runs on the read loop and must not block.
func (h *Hub) SetControlHandler(fn func(pageID string, msg protocol.ClientControl)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.control = fn
}

// Attached reports whether a page currently owns the devices.
func (h *Hub) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page != nil
}

// Serve runs one page connection until it closes or ctx is done. A newer
// connection replaces the current one.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, remoteAddr, userAgent string) error {
	page := h.registry.Attach(remoteAddr, userAgent)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &attachment{
		pageID: page.ID,
		conn:   conn,
		out:    make(chan any, outboundQueueSize),
		cancel: cancel,
	}
	h.mu.Lock()
	prev := h.page
	h.page = a
	var held released
	if prev != nil {
		held = h.releaseLocked()
	}
	onAttach := h.onAttach
	h.mu.Unlock()
	if prev != nil {
		h.logger.Info("bridge page replaced", zap.String("page_id", prev.pageID), zap.String("by", page.ID))
		prev.cancel()
		_ = prev.conn.Close()
		held.fail()
	}
	h.setPagesGauge()
	h.logger.Info("bridge page attached", zap.String("page_id", page.ID), zap.String("remote_addr", remoteAddr))
	if onAttach != nil {
		onAttach(page.ID)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, a)
	}()

	reason := h.readLoop(ctx, a)
	cancel()
	_ = conn.Close()
	<-writerDone
	h.detach(a, reason)
	return nil
}

func (h *Hub) writeLoop(ctx context.Context, a *attachment) {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	// Closing the conn unblocks the read loop.
	defer a.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := a.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				a.cancel()
				return
			}
		case msg := <-a.out:
			_ = a.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := a.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("bridge write failed", zap.String("page_id", a.pageID), zap.Error(err))
				a.cancel()
				return
			}
			h.countMessage("outbound", msg)
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, a *attachment) string {
	conn := a.conn
	conn.SetReadLimit(readLimitBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		_ = h.registry.Touch(a.pageID)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "cancelled"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "read_error"
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = h.registry.Touch(a.pageID)

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			h.enqueue(a, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "bridge",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		h.countMessage("inbound", parsed)
		h.dispatch(a, parsed)
	}
}

func (h *Hub) dispatch(a *attachment, msg any) {
	switch m := msg.(type) {
	case protocol.Capability:
		h.deliverCapability(m)
	case protocol.RecognitionStarted:
		h.deliverRecognition(m.RunID, voice.DeviceEvent{Kind: voice.DeviceStarted})
	case protocol.RecognitionResult:
		ts := time.Now()
		if m.TSMs > 0 {
			ts = time.UnixMilli(m.TSMs)
		}
		h.deliverRecognition(m.RunID, voice.DeviceEvent{Kind: voice.DeviceResult, Fragment: voice.Fragment{
			Text:       m.Text,
			IsFinal:    m.IsFinal,
			Confidence: m.Confidence,
			Timestamp:  ts,
		}})
	case protocol.RecognitionEnd:
		h.deliverRecognition(m.RunID, voice.DeviceEvent{Kind: voice.DeviceEnded})
	case protocol.RecognitionError:
		h.deliverRecognition(m.RunID, voice.DeviceEvent{
			Kind: voice.DeviceFailed,
			Err:  voice.NewDeviceError(m.Code, m.Message),
		})
	case protocol.SpeechEnd:
		var err error
		if m.Error != "" {
			err = fmt.Errorf("page synthesis failed: %s", m.Error)
		}
		h.finishSpeech(m.SpeechID, err)
	case protocol.ClientControl:
		h.mu.Lock()
		control := h.control
		owner := h.page == a
		h.mu.Unlock()
		if !owner {
			h.logger.Debug("ignoring control from replaced page", zap.String("page_id", a.pageID))
			return
		}
		if control != nil {
			control(a.pageID, m)
		}
	}
}

// Drop closes the connection of pageID if it still owns the devices.
func (h *Hub) Drop(pageID string) {
	h.mu.Lock()
	a := h.page
	h.mu.Unlock()
	if a != nil && a.pageID == pageID {
		h.logger.Info("dropping bridge page", zap.String("page_id", pageID))
		a.cancel()
	}
}

// Send queues msg for the owning page. It reports false when no page is
// attached or the page is not keeping up.
func (h *Hub) Send(msg any) bool {
	h.mu.Lock()
	a := h.page
	h.mu.Unlock()
	if a == nil {
		return false
	}
	return h.enqueue(a, msg)
}

func (h *Hub) enqueue(a *attachment, msg any) bool {
	select {
	case a.out <- msg:
		return true
	default:
		t, _ := protocol.TypeOf(msg)
		h.logger.Warn("bridge outbound queue full", zap.String("page_id", a.pageID), zap.String("type", string(t)))
		if h.metrics != nil {
			h.metrics.WSMessages.WithLabelValues("dropped", string(t)).Inc()
		}
		return false
	}
}

// detach releases everything the page was driving so that no caller waits
// on a device that is gone.
func (h *Hub) detach(a *attachment, reason string) {
	if _, err := h.registry.Detach(a.pageID, reason); err != nil {
		h.logger.Debug("detach unknown page", zap.String("page_id", a.pageID), zap.Error(err))
	}
	defer h.setPagesGauge()

	h.mu.Lock()
	if h.page != a {
		h.mu.Unlock()
		return
	}
	h.page = nil
	held := h.releaseLocked()
	onDetach := h.onDetach
	h.mu.Unlock()

	h.logger.Info("bridge page detached", zap.String("page_id", a.pageID), zap.String("reason", reason))
	held.fail()
	if onDetach != nil {
		onDetach(a.pageID)
	}
}

// released holds the waiters of a page that is gone.
type released struct {
	run      *recognitionRun
	speeches map[string]func(error)
	probes   map[string]chan protocol.Capability
}

func (h *Hub) releaseLocked() released {
	r := released{run: h.run, speeches: h.speeches, probes: h.probes}
	h.run = nil
	h.speeches = make(map[string]func(error))
	h.probes = make(map[string]chan protocol.Capability)
	return r
}

func (r released) fail() {
	for _, ch := range r.probes {
		close(ch)
	}
	for _, done := range r.speeches {
		done(ErrPageDetached)
	}
	if r.run != nil {
		r.run.sink(voice.DeviceEvent{
			Kind: voice.DeviceFailed,
			Err:  voice.NewDeviceError(voice.CodeDeviceGone, "bridge page detached"),
		})
	}
}

func (h *Hub) setPagesGauge() {
	if h.metrics != nil {
		h.metrics.BridgePages.Set(float64(h.registry.ActiveCount()))
	}
}

func (h *Hub) countMessage(direction string, msg any) {
	if h.metrics == nil {
		return
	}
	if t, ok := protocol.TypeOf(msg); ok {
		h.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}
