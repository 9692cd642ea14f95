package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("page not found")

const DetachInactive = "inactive"

// Registry tracks browser pages attached to the device bridge. The most
// recently attached page owns the recognition and speech devices.
type Registry struct {
	clock             clock.Clock
	inactivityTimeout time.Duration

	mu       sync.RWMutex
	pages    map[string]*Page
	ownerID  string
	onExpire func(*Page)
}

func NewRegistry(inactivityTimeout time.Duration, clk clock.Clock) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:             clk,
		inactivityTimeout: inactivityTimeout,
		pages:             make(map[string]*Page),
	}
}

// SetExpireHook registers fn to be called for every page the janitor detaches.
func (r *Registry) SetExpireHook(fn func(*Page)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Attach records a new page and makes it the device owner.
func (r *Registry) Attach(remoteAddr, userAgent string) *Page {
	now := r.clock.Now().UTC()
	p := &Page{
		ID:             uuid.NewString(),
		RemoteAddr:     remoteAddr,
		UserAgent:      userAgent,
		Status:         StatusAttached,
		Owner:          true,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.pages[r.ownerID]; ok {
		prev.Owner = false
	}
	r.pages[p.ID] = p
	r.ownerID = p.ID
	return clone(p)
}

func (r *Registry) Get(pageID string) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[pageID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

// Touch records inbound traffic from a page.
func (r *Registry) Touch(pageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[pageID]
	if !ok || p.Status != StatusAttached {
		return ErrNotFound
	}
	p.Messages++
	p.LastActivityAt = r.clock.Now().UTC()
	return nil
}

func (r *Registry) Detach(pageID, reason string) (*Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[pageID]
	if !ok {
		return nil, ErrNotFound
	}
	r.detachLocked(p, reason, r.clock.Now().UTC())
	return clone(p), nil
}

// Owner returns the page that currently drives the devices.
func (r *Registry) Owner() (*Page, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[r.ownerID]
	if !ok {
		return nil, false
	}
	return clone(p), true
}

// List returns every known page, oldest first.
func (r *Registry) List() []*Page {
	r.mu.RLock()
	out := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, clone(p))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, p := range r.pages {
		if p.Status == StatusAttached {
			count++
		}
	}
	return count
}

// RunJanitor detaches silent pages every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.expireInactive()
		}
	}
}

func (r *Registry) expireInactive() {
	now := r.clock.Now().UTC()
	var expired []*Page

	r.mu.Lock()
	for id, p := range r.pages {
		idle := now.Sub(p.LastActivityAt)
		if p.Status == StatusDetached {
			if idle >= r.inactivityTimeout {
				delete(r.pages, id)
			}
			continue
		}
		if idle < r.inactivityTimeout {
			continue
		}
		r.detachLocked(p, DetachInactive, now)
		expired = append(expired, clone(p))
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, p := range expired {
			hook(p)
		}
	}
}

func (r *Registry) detachLocked(p *Page, reason string, now time.Time) {
	if p.Status == StatusDetached {
		return
	}
	p.Status = StatusDetached
	p.DetachReason = reason
	p.LastActivityAt = now
	if p.Owner {
		p.Owner = false
		r.ownerID = ""
	}
}

func clone(p *Page) *Page {
	c := *p
	return &c
}
