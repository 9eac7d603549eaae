package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDocKeyIsMonotonicallyIncreasing(t *testing.T) {
	a := NewDocKey()
	b := NewDocKey()
	assert.Less(t, a, b)
	assert.Len(t, a, 26) // canonical ULID string length
}

func TestContentHashIsDeterministic(t *testing.T) {
	content := []byte("hello world")
	a := ContentHash("chunk", content, 8)
	b := ContentHash("chunk", content, 8)
	assert.Equal(t, a, b)

	c := ContentHash("chunk", []byte("different"), 8)
	assert.NotEqual(t, a, c)
}

func TestContentHashNoPrefix(t *testing.T) {
	h := ContentHash("", []byte("x"), 6)
	assert.Len(t, h, 6)
}
