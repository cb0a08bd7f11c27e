package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("ord_")
	assert.True(t, strings.HasPrefix(id, "ord_"))
	assert.Len(t, id, 4+24)
	assert.NotEqual(t, id, WithPrefix("ord_"))
}

func TestNumberFormat(t *testing.T) {
	n := Number("ORD")
	parts := strings.Split(n, "-")
	assert.Len(t, parts, 3)
	assert.Equal(t, "ORD", parts[0])
	assert.Len(t, parts[1], 8)
	assert.Len(t, parts[2], 6)
	assert.Equal(t, strings.ToUpper(parts[2]), parts[2])
}
