package syncmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	m := New[int32, string]()

	m.Store(2, "two")
	m.Store(0, "zero")
	m.Store(1, "one")
	m.Store(1, "uno")

	assert.Equal(t, 3, m.Count())
	assert.Equal(t, []int32{0, 1, 2}, m.Keys())

	value, ok := m.Load(1)
	assert.True(t, ok)
	assert.Equal(t, "uno", value)

	var visited []string
	m.Range(func(_ int32, value string) bool {
		visited = append(visited, value)

		return len(visited) < 2
	})
	assert.Equal(t, []string{"zero", "uno"}, visited)

	m.Delete(0)
	_, ok = m.Load(0)
	assert.False(t, ok)
	assert.Equal(t, 2, m.Count())
}
