package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ent0n29/companion/internal/voice"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	DeviceMode  string        `json:"device_mode"`
	BackendURL  string        `json:"backend_url"`
	VoiceState  voice.State   `json:"voice_state,omitempty"`
	TTSEnabled  bool          `json:"tts_enabled"`
	Checks      []statusCheck `json:"checks"`
	EmotionTags int           `json:"emotion_tags"`
}

// handleStatus reports what the companion needs to hold a voice conversation
// and how to fix what is missing.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.DeviceMode))
	out := statusResponse{
		DeviceMode: mode,
		BackendURL: s.cfg.BackendBaseURL,
		Checks:     make([]statusCheck, 0, 6),
	}
	out.Checks = append(out.Checks, s.deviceChecks(mode)...)

	if s.deps.Voice != nil {
		snap := s.deps.Voice.Snapshot()
		out.VoiceState = snap.State
		out.TTSEnabled = s.deps.Voice.SpeechEnabled()
		out.Checks = append(out.Checks, voiceCheck(snap))
		if !out.TTSEnabled {
			out.Checks = append(out.Checks, statusCheck{
				ID:     "tts",
				Status: "warn",
				Label:  "Spoken replies",
				Detail: "disabled",
				Fix:    "POST /v1/voice/tts with {\"enabled\":true}.",
			})
		}
	}

	if s.deps.Integrations != nil {
		st := s.deps.Integrations.Status()
		switch {
		case st.Failures > 0:
			out.Checks = append(out.Checks, statusCheck{
				ID:     "backend",
				Status: "error",
				Label:  "Companion backend",
				Detail: fmt.Sprintf("%d failed poll(s): %s", st.Failures, st.LastError),
				Fix:    "Check that the backend is running at BACKEND_BASE_URL.",
			})
		case !st.Known:
			out.Checks = append(out.Checks, statusCheck{
				ID:     "backend",
				Status: "warn",
				Label:  "Companion backend",
				Detail: "not polled yet",
			})
		default:
			out.Checks = append(out.Checks, statusCheck{
				ID:     "backend",
				Status: "ok",
				Label:  "Companion backend",
				Detail: "reachable",
			})
		}
	}

	table := s.deps.Emotions
	if table == nil {
		table = voice.DefaultEmotionTable()
	}
	out.EmotionTags = len(table)
	detail := "built-in defaults"
	if strings.TrimSpace(s.cfg.EmotionTablePath) != "" {
		detail = s.cfg.EmotionTablePath
	}
	out.Checks = append(out.Checks, statusCheck{
		ID:     "emotion_table",
		Status: "ok",
		Label:  "Emotion voice table",
		Detail: detail,
	})

	respondJSON(w, http.StatusOK, out)
}

func (s *Server) deviceChecks(mode string) []statusCheck {
	if mode == "mock" {
		return []statusCheck{{
			ID:     "devices",
			Status: "warn",
			Label:  "Speech devices are simulated",
			Detail: "No microphone or speaker is used.",
			Fix:    "Set VOICE_DEVICE_MODE=bridge and open the bridge page.",
		}}
	}
	if s.deps.Bridge == nil || !s.deps.Bridge.Attached() {
		return []statusCheck{{
			ID:     "bridge_page",
			Status: "error",
			Label:  "Bridge page",
			Detail: "no page attached",
			Fix:    "Open a page that connects to /v1/bridge/ws.",
		}}
	}
	return []statusCheck{{
		ID:     "bridge_page",
		Status: "ok",
		Label:  "Bridge page",
		Detail: "attached",
	}}
}

func voiceCheck(snap voice.Snapshot) statusCheck {
	c := statusCheck{ID: "voice", Label: "Voice loop", Detail: string(snap.State)}
	switch snap.State {
	case voice.StateError:
		c.Status = "error"
		if snap.LastError != "" {
			c.Detail = snap.LastError
		}
		c.Fix = "POST /v1/voice/start to retry."
	case voice.StateIdle:
		c.Status = "warn"
		c.Fix = "POST /v1/voice/start to begin listening."
	case voice.StateMuted:
		c.Status = "warn"
		c.Fix = "POST /v1/voice/unmute to resume listening."
	default:
		c.Status = "ok"
	}
	return c
}
