package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type named string

func (n named) GetKey() string { return string(n) }

func TestCollection(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var c Collection[string, named]
		assert.True(t, c.Add("mp4"))
		assert.True(t, c.Add("wav"))
		assert.False(t, c.Add("mp4"))
		assert.Equal(t, 2, c.Len())
		found, ok := c.Find(func(n named) bool { return n == "mp4" })
		assert.True(t, ok)
		assert.Equal(t, named("mp4"), found)
		assert.Equal(t, []string{"mp4", "wav"}, c.Keys())
	})
	t.Run("miss", func(t *testing.T) {
		var c Collection[string, named]
		c.Add("mp4")
		c.Add("wav")
		found, ok := c.Find(func(n named) bool { return n == "ogg" })
		assert.False(t, ok)
		assert.Zero(t, found)
	})
	t.Run("remove", func(t *testing.T) {
		var c Collection[string, named]
		c.Add("mp4")
		assert.True(t, c.RemoveByKey("mp4"))
		assert.False(t, c.RemoveByKey("mp4"))
		_, ok := c.Get("mp4")
		assert.False(t, ok)
	})
}
