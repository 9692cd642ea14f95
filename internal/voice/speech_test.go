package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/companion/internal/observability"
)

type countingNotifier struct {
	mu      sync.Mutex
	started int
	ended   int
}

func (n *countingNotifier) NotifySpeakingStarted() {
	n.mu.Lock()
	n.started++
	n.mu.Unlock()
}

func (n *countingNotifier) NotifySpeakingEnded() {
	n.mu.Lock()
	n.ended++
	n.mu.Unlock()
}

func (n *countingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started, n.ended
}

func newTestSpeech(t *testing.T, engine SpeechEngine) (*SpeechOutput, *countingNotifier, *observability.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry("test", reg, reg)
	n := &countingNotifier{}
	return NewSpeechOutput(engine, n, nil, true, zaptest.NewLogger(t), metrics), n, metrics
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSpeakPlaysToCompletion(t *testing.T) {
	mock := clock.NewMock()
	engine := NewMockSpeechEngine(mock)
	out, n, metrics := newTestSpeech(t, engine)

	done, err := out.Speak(context.Background(), "Hello there.", "happy")
	require.NoError(t, err)
	assert.True(t, out.Speaking())
	assert.False(t, isClosed(done))

	mock.Add(time.Duration(len("Hello there.")) * engine.PerChar)
	require.Eventually(t, func() bool { return isClosed(done) }, waitFor, tick)

	started, ended := n.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, ended)
	assert.False(t, out.Speaking())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SpeechUtterances.WithLabelValues("completed")))

	spoken := engine.Spoken()
	require.Len(t, spoken, 1)
	assert.Equal(t, "happy", spoken[0].Emotion)
	assert.Equal(t, DefaultEmotionTable()["happy"], spoken[0].Params)
	assert.Equal(t, []string{"Hello there."}, spoken[0].Segments)
}

func TestSpeakEndsExactlyOnceOnFailure(t *testing.T) {
	t.Run("engine fails after accepting", func(t *testing.T) {
		engine := NewMockSpeechEngine(clock.NewMock())
		engine.SetImmediateFailure(errors.New("voice not loaded"))
		out, n, metrics := newTestSpeech(t, engine)

		done, err := out.Speak(context.Background(), "Okay.", "")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return isClosed(done) }, waitFor, tick)
		started, ended := n.counts()
		assert.Equal(t, 1, started)
		assert.Equal(t, 1, ended)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SpeechUtterances.WithLabelValues("failed")))
	})
	t.Run("engine refuses to start", func(t *testing.T) {
		engine := NewMockSpeechEngine(clock.NewMock())
		engine.SetStartError(errors.New("no page attached"))
		out, n, _ := newTestSpeech(t, engine)

		done, err := out.Speak(context.Background(), "Okay.", "")
		require.Error(t, err)
		assert.True(t, isClosed(done))
		started, ended := n.counts()
		assert.Equal(t, 1, started)
		assert.Equal(t, 1, ended)
		assert.False(t, out.Speaking())
	})
}

func TestSpeakLastCallWins(t *testing.T) {
	engine := NewMockSpeechEngine(clock.NewMock())
	engine.Manual = true
	out, n, metrics := newTestSpeech(t, engine)

	first, err := out.Speak(context.Background(), "First reply.", "")
	require.NoError(t, err)
	second, err := out.Speak(context.Background(), "Second reply.", "")
	require.NoError(t, err)

	assert.True(t, isClosed(first))
	assert.False(t, isClosed(second))
	started, ended := n.counts()
	assert.Equal(t, 2, started)
	assert.Equal(t, 1, ended)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SpeechUtterances.WithLabelValues("cancelled")))

	engine.FinishAll()
	assert.True(t, isClosed(second))
	started, ended = n.counts()
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, ended)
}

func TestSpeakDisabledOrEmptyIsNoop(t *testing.T) {
	engine := NewMockSpeechEngine(clock.NewMock())
	out, n, _ := newTestSpeech(t, engine)

	done, err := out.Speak(context.Background(), "```\nls -la\n```", "")
	require.NoError(t, err)
	assert.True(t, isClosed(done))

	out.SetEnabled(false)
	done, err = out.Speak(context.Background(), "Hello.", "")
	require.NoError(t, err)
	assert.True(t, isClosed(done))

	assert.Empty(t, engine.Spoken())
	started, ended := n.counts()
	assert.Zero(t, started)
	assert.Zero(t, ended)
}

func TestSetEnabledFalseCutsOffPlayback(t *testing.T) {
	engine := NewMockSpeechEngine(clock.NewMock())
	engine.Manual = true
	out, n, _ := newTestSpeech(t, engine)

	done, err := out.Speak(context.Background(), "A long story.", "calm")
	require.NoError(t, err)
	out.SetEnabled(false)

	assert.True(t, isClosed(done))
	assert.False(t, out.Enabled())
	_, ended := n.counts()
	assert.Equal(t, 1, ended)

	// A late completion from the engine is ignored.
	engine.FinishAll()
	_, ended = n.counts()
	assert.Equal(t, 1, ended)
}

func TestEmotionLookupFallsBackToNeutral(t *testing.T) {
	table := DefaultEmotionTable()
	assert.Equal(t, table["excited"], table.Lookup("  Excited "))
	assert.Equal(t, table[neutralEmotion], table.Lookup(""))
	assert.Equal(t, table[neutralEmotion], table.Lookup("smug"))
	assert.Equal(t, DefaultEmotionTable()[neutralEmotion], EmotionTable{}.Lookup("happy"))
}

func TestLoadEmotionTable(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "emotions.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	t.Run("empty path gives defaults", func(t *testing.T) {
		table, err := LoadEmotionTable("")
		require.NoError(t, err)
		assert.Equal(t, DefaultEmotionTable(), table)
	})
	t.Run("overrides layer over defaults", func(t *testing.T) {
		table, err := LoadEmotionTable(write(t, `
happy:
  rate: 1.3
Sleepy:
  rate: 0.7
`))
		require.NoError(t, err)
		assert.Equal(t, VoiceParams{Rate: 1.3, Pitch: 1.0, Volume: 0.85}, table["happy"])
		assert.Equal(t, VoiceParams{Rate: 0.7, Pitch: 0.85, Volume: 0.8}, table["sleepy"])
		assert.Equal(t, DefaultEmotionTable()["sad"], table["sad"])
	})
	t.Run("out of range values are rejected", func(t *testing.T) {
		_, err := LoadEmotionTable(write(t, "calm:\n  volume: 1.5\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "calm")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadEmotionTable(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
