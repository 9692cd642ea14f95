package transcript

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/backend"
	"github.com/ent0n29/companion/internal/policy"
)

// Store keeps the most recent chat exchanges for the UI. It is a bounded
// ring; the backend owns the durable history.
type Store struct {
	mu      sync.RWMutex
	entries []backend.ChatExchange
	next    int
	filled  bool
	logger  *zap.Logger
}

func NewStore(size int, logger *zap.Logger) *Store {
	if size <= 0 {
		size = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make([]backend.ChatExchange, size),
		logger:  logger.Named("transcript"),
	}
}

func (s *Store) Append(ex backend.ChatExchange) {
	s.mu.Lock()
	s.entries[s.next] = ex
	s.next++
	if s.next == len(s.entries) {
		s.next = 0
		s.filled = true
	}
	s.mu.Unlock()

	s.logger.Info("chat exchange",
		zap.String("turn_id", ex.TurnID),
		zap.String("source", ex.Source),
		zap.String("request", policy.LogSafe(ex.RequestText, 120)),
		zap.String("response", policy.LogSafe(ex.ResponseText, 120)),
		zap.String("emotion", ex.EmotionTag),
		zap.Int("attempts", ex.Attempts),
	)
}

// Recent returns up to limit exchanges, oldest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) []backend.ChatExchange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.filled {
		n = len(s.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]backend.ChatExchange, 0, limit)
	start := s.next - limit
	if start < 0 {
		start += len(s.entries)
	}
	for i := 0; i < limit; i++ {
		out = append(out, s.entries[(start+i)%len(s.entries)])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filled {
		return len(s.entries)
	}
	return s.next
}
