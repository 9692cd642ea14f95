package transcript

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/companion/internal/backend"
)

func exchange(i int) backend.ChatExchange {
	return backend.ChatExchange{RequestText: fmt.Sprintf("q%d", i), ResponseText: fmt.Sprintf("a%d", i)}
}

func TestStoreRecentOldestFirst(t *testing.T) {
	s := NewStore(5, zaptest.NewLogger(t))
	for i := 1; i <= 3; i++ {
		s.Append(exchange(i))
	}
	got := s.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "q1", got[0].RequestText)
	assert.Equal(t, "q3", got[2].RequestText)

	last2 := s.Recent(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "q2", last2[0].RequestText)
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3, zaptest.NewLogger(t))
	for i := 1; i <= 5; i++ {
		s.Append(exchange(i))
	}
	assert.Equal(t, 3, s.Len())
	got := s.Recent(10)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"q3", "q4", "q5"}, []string{got[0].RequestText, got[1].RequestText, got[2].RequestText})
}

func TestStoreEmpty(t *testing.T) {
	s := NewStore(0, nil)
	assert.Empty(t, s.Recent(5))
	assert.Equal(t, 0, s.Len())
}
