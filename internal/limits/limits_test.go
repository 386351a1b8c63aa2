package limits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkingMemoryLimits(t *testing.T) {
	l := DefaultWorkingMemoryLimits()

	assert.Equal(t, 10, l.MaxRecentActions)
	assert.Equal(t, 20, l.MaxDraftHypotheses)
	assert.Equal(t, 5, l.MaxResponseSamples)
	assert.Equal(t, 24*time.Hour, l.MaxAge)
	assert.Equal(t, 100, l.MaxURLClusters)
	assert.Equal(t, 100, l.MaxNotesPerCluster)
}

func TestNewLimiter_NilFallsBackToDefault(t *testing.T) {
	l := NewLimiter(nil)
	require.NotNil(t, l.Limits())
	assert.Equal(t, DefaultWorkingMemoryLimits().MaxRecentActions, l.Limits().MaxRecentActions)
}

func TestLimiter_Update(t *testing.T) {
	l := NewLimiter(nil)

	valid := &WorkingMemoryLimits{
		MaxRecentActions:   25,
		MaxDraftHypotheses: 15,
		MaxResponseSamples: 8,
		MaxAge:             48 * time.Hour,
		MaxURLClusters:     80,
		MaxNotesPerCluster: 50,
	}
	require.NoError(t, l.Update(valid))
	assert.Equal(t, 25, l.Limits().MaxRecentActions)

	invalid := &WorkingMemoryLimits{MaxRecentActions: -1}
	err := l.Update(invalid)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "MaxRecentActions must be positive")
}

func TestLimiter_IsStale(t *testing.T) {
	l := NewLimiter(nil)

	now := time.Now().Unix()
	old := now - int64((25*time.Hour)/time.Second)

	assert.False(t, l.IsStale(now))
	assert.True(t, l.IsStale(old))
}

func TestTrimStrings(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, []string{"c", "d", "e"}, TrimStrings(items, 3))
	assert.Equal(t, items, TrimStrings(items, 10))
	assert.Equal(t, items, TrimStrings(items, 0))
}
