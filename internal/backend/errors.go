package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrServerError     = errors.New("backend server error")
	ErrTimeout         = errors.New("backend request timed out")
	ErrRequestFailed   = errors.New("backend request failed")
	ErrInvalidResponse = errors.New("invalid backend response")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrInvalidTaskID   = errors.New("invalid task id")
)

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("backend http status %d", e.Code)
	}
	return fmt.Sprintf("backend http status %d: %s", e.Code, body)
}

func (e *StatusError) Is(target error) bool {
	if target == ErrServerError {
		return e.Code >= 500 && e.Code <= 599
	}
	if target == ErrRequestFailed {
		return e.Code < 500 || e.Code > 599
	}
	return false
}

// APIError is a 2xx reply carrying success:false.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "backend reported failure"
	}
	return "backend reported failure: " + e.Message
}

func (e *APIError) Is(target error) bool {
	return target == ErrRequestFailed
}
