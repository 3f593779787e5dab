package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactIDs_SequencePerSecond(t *testing.T) {
	at := time.Unix(1772442000, 0)
	g := NewCompactIDs("at")
	g.now = func() time.Time { return at }

	assert.Equal(t, "AT1772442000001", g.Next())
	assert.Equal(t, "AT1772442000002", g.Next())

	at = at.Add(time.Second)
	assert.Equal(t, "AT1772442001001", g.Next())

	// a clock step back must not reuse ids
	at = at.Add(-5 * time.Second)
	assert.Equal(t, "AT1772442001002", g.Next())
}

func TestCompactIDs_UniqueAndShort(t *testing.T) {
	g := NewCompactIDs("AT")
	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
		assert.LessOrEqual(t, len(id), 20)
	}
}

func TestParseCompactID(t *testing.T) {
	minted, ok := ParseCompactID("AT", "AT1772442000042")
	require.True(t, ok)
	assert.Equal(t, int64(1772442000), minted.Unix())

	_, ok = ParseCompactID("AT", "BT1772442000042")
	assert.False(t, ok)
	_, ok = ParseCompactID("AT", "AT17724")
	assert.False(t, ok)
}
