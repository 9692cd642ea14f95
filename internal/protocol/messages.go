package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Page -> controller.
const (
	TypeCapability         MessageType = "capability"
	TypeRecognitionStarted MessageType = "recognition_started"
	TypeRecognitionResult  MessageType = "recognition_result"
	TypeRecognitionEnd     MessageType = "recognition_end"
	TypeRecognitionError   MessageType = "recognition_error"
	TypeSpeechEnd          MessageType = "speech_end"
	TypeClientControl      MessageType = "client_control"
)

// Controller -> page.
const (
	TypeCapabilityProbe   MessageType = "capability_probe"
	TypeRecognitionStart  MessageType = "recognition_start"
	TypeRecognitionStop   MessageType = "recognition_stop"
	TypeSpeechSpeak       MessageType = "speech_speak"
	TypeSpeechCancel      MessageType = "speech_cancel"
	TypeVoiceState        MessageType = "voice_state"
	TypeInterimTranscript MessageType = "interim_transcript"
	TypeChatExchange      MessageType = "chat_exchange"
	TypeErrorEvent        MessageType = "error_event"
)

// Recognition capability values reported by the page.
const (
	RecognitionSupported   = "supported"
	RecognitionUnsupported = "unsupported"

	PermissionGranted = "granted"
	PermissionDenied  = "denied"
	PermissionPrompt  = "prompt"
)

// Client control actions.
const (
	ActionStart   = "start"
	ActionMute    = "mute"
	ActionUnmute  = "unmute"
	ActionText    = "text"
	ActionTTSOn   = "tts_on"
	ActionTTSOff  = "tts_off"
	ActionRefresh = "refresh_integrations"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Capability struct {
	Type        MessageType `json:"type"`
	RequestID   string      `json:"request_id"`
	Recognition string      `json:"recognition"`
	Permission  string      `json:"permission"`
	Speech      bool        `json:"speech"`
	UserAgent   string      `json:"user_agent,omitempty"`
}

type RecognitionStarted struct {
	Type  MessageType `json:"type"`
	RunID string      `json:"run_id"`
}

type RecognitionResult struct {
	Type       MessageType `json:"type"`
	RunID      string      `json:"run_id"`
	Text       string      `json:"text"`
	IsFinal    bool        `json:"is_final"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type RecognitionEnd struct {
	Type  MessageType `json:"type"`
	RunID string      `json:"run_id"`
}

type RecognitionError struct {
	Type    MessageType `json:"type"`
	RunID   string      `json:"run_id"`
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
}

type SpeechEnd struct {
	Type     MessageType `json:"type"`
	SpeechID string      `json:"speech_id"`
	// Error is set when synthesis failed; an empty value means playback completed.
	Error string `json:"error,omitempty"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Text   string      `json:"text,omitempty"`
}

type CapabilityProbe struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
}

type RecognitionStart struct {
	Type           MessageType `json:"type"`
	RunID          string      `json:"run_id"`
	Lang           string      `json:"lang,omitempty"`
	Continuous     bool        `json:"continuous"`
	InterimResults bool        `json:"interim_results"`
}

type RecognitionStop struct {
	Type  MessageType `json:"type"`
	RunID string      `json:"run_id"`
}

type SpeechSpeak struct {
	Type     MessageType `json:"type"`
	SpeechID string      `json:"speech_id"`
	Text     string      `json:"text"`
	Segments []string    `json:"segments"`
	Emotion  string      `json:"emotion"`
	Rate     float64     `json:"rate"`
	Pitch    float64     `json:"pitch"`
	Volume   float64     `json:"volume"`
}

type SpeechCancel struct {
	Type     MessageType `json:"type"`
	SpeechID string      `json:"speech_id"`
}

type VoiceState struct {
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	Muted     bool        `json:"muted"`
	Speaking  bool        `json:"speaking"`
	TTS       bool        `json:"tts_enabled"`
	Restarts  int         `json:"restarts"`
	LastError string      `json:"last_error,omitempty"`
}

type InterimTranscript struct {
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

type ChatExchange struct {
	Type         MessageType `json:"type"`
	TurnID       string      `json:"turn_id"`
	Source       string      `json:"source"`
	RequestText  string      `json:"request_text"`
	ResponseText string      `json:"response_text"`
	Emotion      string      `json:"emotion,omitempty"`
	TSMs         int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one page -> controller message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCapability:
		var msg Capability
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Recognition = strings.ToLower(strings.TrimSpace(msg.Recognition))
		msg.Permission = strings.ToLower(strings.TrimSpace(msg.Permission))
		if msg.Recognition != RecognitionSupported && msg.Recognition != RecognitionUnsupported {
			return nil, errors.New("invalid capability: recognition must be supported or unsupported")
		}
		return msg, nil
	case TypeRecognitionStarted:
		var msg RecognitionStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RunID == "" {
			return nil, errors.New("invalid recognition_started")
		}
		return msg, nil
	case TypeRecognitionResult:
		var msg RecognitionResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RunID == "" || msg.Confidence < 0 || msg.Confidence > 1 {
			return nil, errors.New("invalid recognition_result")
		}
		return msg, nil
	case TypeRecognitionEnd:
		var msg RecognitionEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RunID == "" {
			return nil, errors.New("invalid recognition_end")
		}
		return msg, nil
	case TypeRecognitionError:
		var msg RecognitionError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RunID == "" || msg.Code == "" {
			return nil, errors.New("invalid recognition_error")
		}
		return msg, nil
	case TypeSpeechEnd:
		var msg SpeechEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SpeechID == "" {
			return nil, errors.New("invalid speech_end")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		// Blank text is left to the chat layer, which reports empty_message.
		case ActionStart, ActionMute, ActionUnmute, ActionTTSOn, ActionTTSOff, ActionRefresh, ActionText:
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the wire type of a protocol message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Capability:
		return m.Type, true
	case RecognitionStarted:
		return m.Type, true
	case RecognitionResult:
		return m.Type, true
	case RecognitionEnd:
		return m.Type, true
	case RecognitionError:
		return m.Type, true
	case SpeechEnd:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case CapabilityProbe:
		return m.Type, true
	case RecognitionStart:
		return m.Type, true
	case RecognitionStop:
		return m.Type, true
	case SpeechSpeak:
		return m.Type, true
	case SpeechCancel:
		return m.Type, true
	case VoiceState:
		return m.Type, true
	case InterimTranscript:
		return m.Type, true
	case ChatExchange:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
