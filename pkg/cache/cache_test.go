package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsLiveValue(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("token", "abc")

	got, ok := c.Get("token")
	require.True(t, ok)
	assert.Equal(t, "abc", got)
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.SetWithTTL("token", "abc", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("token")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("token", "abc")
	c.Delete("token")

	_, ok := c.Get("token")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}
