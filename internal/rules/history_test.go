package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHistory(t *testing.T) {
	h := NewMemoryHistory(nil)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, h.CanTrigger("r1", now, time.Minute), "never triggered")

	h.RecordTrigger("r1", now)
	assert.False(t, h.CanTrigger("r1", now.Add(59*time.Second), time.Minute))
	assert.True(t, h.CanTrigger("r1", now.Add(time.Minute), time.Minute))
	assert.True(t, h.CanTrigger("r2", now, time.Minute), "rules are independent")

	t.Run("reset forgets the rule", func(t *testing.T) {
		h.Reset("r1")
		assert.True(t, h.CanTrigger("r1", now, time.Hour))
		_, ok := h.Last("r1")
		assert.False(t, ok)
		assert.Nil(t, h.Timestamps("r1"))
	})

	t.Run("out of order record keeps latest", func(t *testing.T) {
		h.RecordTrigger("r3", now.Add(time.Hour))
		h.RecordTrigger("r3", now)
		last, ok := h.Last("r3")
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Hour), last)
	})
}

func TestMemoryHistory_Bounds(t *testing.T) {
	h := NewMemoryHistory(&HistoryConfig{MaxTimestamps: 3, Retention: time.Hour})
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		h.RecordTrigger("r1", now.Add(time.Duration(i)*time.Minute))
	}
	ts := h.Timestamps("r1")
	require.Len(t, ts, 3)
	assert.Equal(t, now.Add(2*time.Minute), ts[0])

	h.RecordTrigger("r1", now.Add(2*time.Hour))
	assert.Len(t, h.Timestamps("r1"), 1, "older than retention is pruned")

	t.Run("returned slice is a copy", func(t *testing.T) {
		ts := h.Timestamps("r1")
		ts[0] = time.Time{}
		assert.Equal(t, now.Add(2*time.Hour), h.Timestamps("r1")[0])
	})
}

func TestHistoryConfig_ApplyDefaults(t *testing.T) {
	var c HistoryConfig
	c.ApplyDefaults()
	assert.Equal(t, 1000, c.MaxTimestamps)
	assert.Equal(t, 30*24*time.Hour, c.Retention)
	assert.NoError(t, c.Validate())
}

func TestHistoryConfig_Validate(t *testing.T) {
	t.Run("retention shorter than a month", func(t *testing.T) {
		c := DefaultHistoryConfig()
		c.Retention = time.Hour
		assert.ErrorContains(t, c.Validate(), "retention")
	})

	t.Run("fewer timestamps than the largest limit", func(t *testing.T) {
		c := DefaultHistoryConfig()
		c.MaxTimestamps = MaxFrequencyLimit - 1
		assert.ErrorContains(t, c.Validate(), "max_timestamps")
	})
}

func TestMemoryHistory_ZeroTimeRecord(t *testing.T) {
	h := NewMemoryHistory(nil)
	var zero time.Time

	h.RecordTrigger("r1", zero)
	assert.False(t, h.CanTrigger("r1", zero.Add(30*time.Second), time.Minute), "a record at the zero time still counts")
	assert.True(t, h.CanTrigger("r1", zero.Add(time.Minute), time.Minute))

	last, ok := h.Last("r1")
	require.True(t, ok)
	assert.True(t, last.IsZero())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now()

	a := r.For("aura-a")
	assert.Same(t, a, r.For("aura-a"))
	b := r.For("aura-b")
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())

	a.RecordTrigger("rule", now)
	assert.True(t, b.CanTrigger("rule", now, time.Hour), "auras never share history")

	r.ResetRule("aura-a", "rule")
	assert.True(t, a.CanTrigger("rule", now, time.Hour))
	r.ResetRule("aura-missing", "rule")

	r.Drop("aura-a")
	assert.Equal(t, 1, r.Len())
	assert.NotSame(t, a, r.For("aura-a"))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := r.For("aura")
			h.RecordTrigger("rule", time.Now())
			h.CanTrigger("rule", time.Now(), time.Second)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.For("aura").Timestamps("rule"), 20)
}
