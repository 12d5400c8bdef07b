package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueLengthCache_GetMissing(t *testing.T) {
	c := NewQueueLengthCache(0)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestQueueLengthCache_UpdateThenGet(t *testing.T) {
	c := NewQueueLengthCache(0)
	c.Update("a", 3)
	load, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, load)
}

func TestQueueLengthCache_LoadCanRiseOrFall(t *testing.T) {
	c := NewQueueLengthCache(0)
	c.Update("a", 3)
	c.Update("a", 1)
	load, _ := c.Get("a")
	assert.Equal(t, 1, load)
	c.Update("a", 9)
	load, _ = c.Get("a")
	assert.Equal(t, 9, load)
}

func TestQueueLengthCache_Invalidate(t *testing.T) {
	c := NewQueueLengthCache(0)
	c.Update("a", 3)
	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestQueueLengthCache_Decrement_ClampsAtZero(t *testing.T) {
	c := NewQueueLengthCache(0)
	c.Update("a", 1)
	assert.True(t, c.Decrement("a"))
	load, _ := c.Get("a")
	assert.Equal(t, 0, load)
	assert.True(t, c.Decrement("a"))
	load, _ = c.Get("a")
	assert.Equal(t, 0, load)
}

func TestQueueLengthCache_Decrement_UntrackedReturnsFalse(t *testing.T) {
	c := NewQueueLengthCache(0)
	assert.False(t, c.Decrement("ghost"))
}

func TestQueueLengthCache_Snapshot_MissingIsZero(t *testing.T) {
	c := NewQueueLengthCache(0)
	c.Update("a", 5)
	snap := c.Snapshot([]ReplicaID{"a", "b"})
	assert.Equal(t, 5, snap["a"])
	assert.Equal(t, 0, snap["b"])
}

func TestQueueLengthCache_StaleEntryReadsAsUnknown(t *testing.T) {
	c := NewQueueLengthCache(20 * time.Millisecond)
	c.Update("a", 7)
	time.Sleep(50 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}
