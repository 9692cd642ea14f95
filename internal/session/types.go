package session

import "time"

type Status string

const (
	StatusAttached Status = "attached"
	StatusDetached Status = "detached"
)

// Page is one browser page connected to the device bridge.
type Page struct {
	ID             string    `json:"page_id"`
	RemoteAddr     string    `json:"remote_addr"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Status         Status    `json:"status"`
	Owner          bool      `json:"owner"`
	Messages       int       `json:"messages"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	DetachReason   string    `json:"detach_reason,omitempty"`
}
