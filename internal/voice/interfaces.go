package voice

import (
	"context"
	"time"
)

// Fragment is one partial or final hypothesis from the recognition device.
type Fragment struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

type DeviceEventKind string

const (
	DeviceStarted DeviceEventKind = "started"
	DeviceResult  DeviceEventKind = "result"
	DeviceEnded   DeviceEventKind = "ended"
	DeviceFailed  DeviceEventKind = "error"
)

type DeviceEvent struct {
	Kind     DeviceEventKind
	Fragment Fragment
	Err      error
}

// DeviceSink receives recognition callbacks. Implementations must not block.
type DeviceSink func(DeviceEvent)

// RecognitionDevice is a continuous, interim-results speech recognizer.
type RecognitionDevice interface {
	// Probe checks capability and microphone permission without starting capture.
	Probe(ctx context.Context) error
	Start(sink DeviceSink) error
	Stop() error
}

// VoiceParams are the synthesis knobs selected per emotion.
type VoiceParams struct {
	Rate   float64 `yaml:"rate" json:"rate"`
	Pitch  float64 `yaml:"pitch" json:"pitch"`
	Volume float64 `yaml:"volume" json:"volume"`
}

// SpeechRequest is one assistant reply handed to the synthesis engine.
type SpeechRequest struct {
	ID       string
	Text     string
	Segments []string
	Emotion  string
	Params   VoiceParams
}

// SpeechEngine plays SpeechRequests. done is called exactly once per request
// accepted by Speak, after playback ends, fails, or is cancelled.
type SpeechEngine interface {
	Speak(ctx context.Context, req SpeechRequest, done func(error)) error
	Cancel(id string)
}
