package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRegistryAttachGetDetach(t *testing.T) {
	r := NewRegistry(time.Minute, clock.NewMock())
	p := r.Attach("127.0.0.1:5555", "Firefox")
	if p.ID == "" {
		t.Fatalf("page ID should not be empty")
	}

	got, err := r.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusAttached || !got.Owner || got.UserAgent != "Firefox" {
		t.Fatalf("unexpected page state: %+v", got)
	}

	detached, err := r.Detach(p.ID, "closed")
	if err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if detached.Status != StatusDetached || detached.Owner || detached.DetachReason != "closed" {
		t.Fatalf("unexpected detached page: %+v", detached)
	}
	if _, ok := r.Owner(); ok {
		t.Fatalf("Owner() should be empty after the owner detached")
	}
	if _, err := r.Detach("nope", "closed"); err != ErrNotFound {
		t.Fatalf("Detach(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryLatestPageOwnsDevices(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(time.Minute, mock)
	first := r.Attach("a", "")
	mock.Add(time.Second)
	second := r.Attach("b", "")

	owner, ok := r.Owner()
	if !ok || owner.ID != second.ID {
		t.Fatalf("Owner() = %+v, want %s", owner, second.ID)
	}
	got, _ := r.Get(first.ID)
	if got.Owner {
		t.Fatalf("first page still marked owner")
	}

	// Losing a non-owner leaves ownership alone.
	if _, err := r.Detach(first.ID, "closed"); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if owner, ok := r.Owner(); !ok || owner.ID != second.ID {
		t.Fatalf("owner changed after non-owner detached")
	}

	pages := r.List()
	if len(pages) != 2 || pages[0].ID != first.ID {
		t.Fatalf("List() not oldest first: %+v", pages)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
}

func TestRegistryTouchCountsMessages(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(time.Minute, mock)
	p := r.Attach("a", "")
	mock.Add(10 * time.Second)
	if err := r.Touch(p.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, _ := r.Get(p.ID)
	if got.Messages != 1 || !got.LastActivityAt.Equal(mock.Now().UTC()) {
		t.Fatalf("unexpected page after touch: %+v", got)
	}

	_, _ = r.Detach(p.ID, "closed")
	if err := r.Touch(p.ID); err != ErrNotFound {
		t.Fatalf("Touch(detached) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryJanitorExpiresInactive(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(30*time.Second, mock)
	p := r.Attach("a", "")

	var (
		mu      sync.Mutex
		expired []string
	)
	r.SetExpireHook(func(p *Page) {
		mu.Lock()
		expired = append(expired, p.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.RunJanitor(ctx, 10*time.Second)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	hooked := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(expired)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hooked() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("page never expired")
		}
		mock.Add(10 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	got, err := r.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusDetached || got.DetachReason != DetachInactive {
		t.Fatalf("unexpected expired page: %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != p.ID {
		t.Fatalf("expire hook calls = %v, want [%s]", expired, p.ID)
	}
}

func TestRegistryPrunesDetachedPages(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(time.Minute, mock)
	p := r.Attach("a", "")
	_, _ = r.Detach(p.ID, "closed")

	mock.Add(time.Minute)
	r.expireInactive()
	if _, err := r.Get(p.ID); err != ErrNotFound {
		t.Fatalf("Get(pruned) error = %v, want ErrNotFound", err)
	}
}
