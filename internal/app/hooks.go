package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/backend"
	"github.com/ent0n29/companion/internal/bridge"
	"github.com/ent0n29/companion/internal/integrations"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/voice"
)

func (a *App) wireBridge(hub *bridge.Hub) {
	hub.SetAttachHook(func(pageID string) {
		a.sendState(a.Session.Snapshot())
		if !a.Config.AutoStartListening {
			return
		}
		switch a.Session.Snapshot().State {
		case voice.StateIdle, voice.StateError:
			// The probe needs the page's read loop, which starts after this hook.
			go a.startListening("page_attached")
		}
	})
	hub.SetDetachHook(func(pageID string) {
		a.Logger.Debug("bridge page gone", zap.String("page_id", pageID))
	})
	hub.SetControlHandler(a.handleControl)
}

// handleControl runs page requests off the bridge read loop.
func (a *App) handleControl(pageID string, msg protocol.ClientControl) {
	a.Logger.Debug("page control", zap.String("page_id", pageID), zap.String("action", msg.Action))
	switch msg.Action {
	case protocol.ActionStart:
		go a.startListening("page_request")
	case protocol.ActionMute:
		go a.reportIfErr(a.Coordinator.Mute)
	case protocol.ActionUnmute:
		go a.reportIfErr(a.Coordinator.Unmute)
	case protocol.ActionTTSOn, protocol.ActionTTSOff:
		a.Coordinator.SetSpeechEnabled(msg.Action == protocol.ActionTTSOn)
		a.sendState(a.Session.Snapshot())
	case protocol.ActionText:
		text := msg.Text
		go func() {
			// Chat failures are surfaced by the coordinator itself.
			if _, err := a.Coordinator.SubmitText(a.baseCtx, text); errors.Is(err, backend.ErrEmptyMessage) {
				a.reportError(err)
			}
		}()
	case protocol.ActionRefresh:
		go func() {
			ctx, cancel := context.WithTimeout(a.baseCtx, a.Config.RequestTimeout)
			defer cancel()
			if _, err := a.Integrations.Refresh(ctx); err != nil && !errors.Is(err, integrations.ErrRateLimited) {
				a.Logger.Warn("integrations refresh failed", zap.Error(err))
			}
		}()
	}
}

func (a *App) reportIfErr(fn func() error) {
	if err := fn(); err != nil {
		a.reportError(err)
	}
}

func (a *App) send(msg any) {
	if a.Hub != nil {
		a.Hub.Send(msg)
	}
}

func (a *App) sendState(s voice.Snapshot) {
	a.send(protocol.VoiceState{
		Type:      protocol.TypeVoiceState,
		State:     string(s.State),
		Muted:     s.Muted,
		Speaking:  s.Speaking,
		TTS:       a.Coordinator != nil && a.Coordinator.SpeechEnabled(),
		Restarts:  s.Restarts,
		LastError: s.LastError,
	})
}

func (a *App) sendInterim(f voice.Fragment) {
	a.send(protocol.InterimTranscript{
		Type:       protocol.TypeInterimTranscript,
		Text:       f.Text,
		Confidence: f.Confidence,
	})
}

func (a *App) sendExchange(ex backend.ChatExchange) {
	ts := ex.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	a.send(protocol.ChatExchange{
		Type:         protocol.TypeChatExchange,
		TurnID:       ex.TurnID,
		Source:       ex.Source,
		RequestText:  ex.RequestText,
		ResponseText: ex.ResponseText,
		Emotion:      ex.EmotionTag,
		TSMs:         ts.UnixMilli(),
	})
}

func (a *App) reportError(err error) {
	if err == nil {
		return
	}
	a.send(errorEvent(err))
}

// errorEvent classifies err for the page.
func errorEvent(err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Detail: err.Error()}
	switch {
	case errors.Is(err, voice.ErrPermissionDenied):
		ev.Code, ev.Source = "permission_denied", "recognition"
	case errors.Is(err, voice.ErrRecognitionHalted):
		ev.Code, ev.Source, ev.Retryable = "recognition_halted", "recognition", true
	case errors.Is(err, voice.ErrDeviceUnavailable):
		ev.Code, ev.Source, ev.Retryable = "device_unavailable", "recognition", true
	case errors.Is(err, voice.ErrSessionClosed):
		ev.Code, ev.Source = "session_closed", "controller"
	case errors.Is(err, voice.ErrTurnQueueFull):
		ev.Code, ev.Source, ev.Retryable = "busy", "chat", true
	case errors.Is(err, backend.ErrEmptyMessage):
		ev.Code, ev.Source = "empty_message", "chat"
	case errors.Is(err, backend.ErrTimeout):
		ev.Code, ev.Source, ev.Retryable = "backend_timeout", "chat", true
	case errors.Is(err, backend.ErrInvalidResponse):
		ev.Code, ev.Source = "invalid_response", "chat"
	case errors.Is(err, backend.ErrServerError), errors.Is(err, backend.ErrRequestFailed):
		ev.Code, ev.Source, ev.Retryable = "backend_error", "chat", true
	default:
		ev.Code, ev.Source = "internal", "controller"
	}
	return ev
}
