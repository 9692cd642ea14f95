package voice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/companion/internal/reliability"
)

var (
	ErrDeviceUnavailable = errors.New("speech recognition unavailable")
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrRecognitionHalted = errors.New("speech recognition stopped")
	ErrSessionClosed     = errors.New("voice session closed")
)

// Device error codes as reported by platform recognizers.
const (
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeNetwork           = "network"
	CodeAudioCapture      = "audio-capture"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeNotAllowed        = "not-allowed"
	CodeDeviceGone        = "device-gone"
)

type DeviceError struct {
	Code    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return "recognition error: " + e.Code
	}
	return fmt.Sprintf("recognition error: %s: %s", e.Code, e.Message)
}

func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Code == CodeNotAllowed
	case ErrDeviceUnavailable:
		return e.Code == CodeAudioCapture || e.Code == CodeServiceNotAllowed || e.Code == CodeDeviceGone
	}
	return false
}

func NewDeviceError(code, message string) *DeviceError {
	return &DeviceError{Code: strings.ToLower(strings.TrimSpace(code)), Message: message}
}

// ClassifyDeviceError maps recognizer failures onto restart classes.
// Unknown codes are treated as transient.
func ClassifyDeviceError(err error) reliability.RestartClass {
	if err == nil {
		return reliability.RestartRecoverable
	}
	if errors.Is(err, ErrPermissionDenied) {
		return reliability.RestartFatal
	}
	var de *DeviceError
	if errors.As(err, &de) {
		switch de.Code {
		case CodeAudioCapture, CodeServiceNotAllowed, CodeDeviceGone:
			return reliability.RestartTerminal
		default:
			return reliability.RestartRecoverable
		}
	}
	if errors.Is(err, ErrDeviceUnavailable) {
		return reliability.RestartTerminal
	}
	return reliability.RestartRecoverable
}

func deviceErrorCode(err error) string {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	if err == nil {
		return "ended"
	}
	return "unknown"
}
