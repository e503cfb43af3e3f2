package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMD5Hex(t *testing.T) {
	assert.Equal(t, "5f4dcc3b5aa765d61d8327deb882cf99", MD5Hex("password"))
	assert.True(t, IsMD5Hex(MD5Hex("alice")))
	assert.True(t, IsMD5Hex("5F4DCC3B5AA765D61D8327DEB882CF99"))
	assert.False(t, IsMD5Hex("password"))
	assert.False(t, IsMD5Hex("zf4dcc3b5aa765d61d8327deb882cf99"))
}

func TestIDGenStartsAtOne(t *testing.T) {
	var g IDGen
	assert.Equal(t, uint32(1), g.Next())
	assert.Equal(t, uint32(2), g.Next())

	g.val.Store(^uint32(0))
	assert.Equal(t, uint32(1), g.Next(), "zero is skipped on wrap")
}

func TestFormatBytes(t *testing.T) {
	tests := map[float64]string{
		0:           " 0.0   B",
		99:          "99.0   B",
		1536:        " 1.5 KiB",
		1024 * 1024: " 1.0 MiB",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatBytes(in))
		assert.Len(t, formatBytes(in), 8)
	}
}

func TestFormatDeltaSkipsQuietIntervals(t *testing.T) {
	prev := Snapshot{TotalConns: 3, ClosedConns: 1, BytesSent: 100}
	_, ok := formatDelta(prev, prev, 10*time.Second)
	assert.False(t, ok)

	cur := prev
	cur.TotalConns++
	cur.Relayed = 4
	line, ok := formatDelta(prev, cur, 10*time.Second)
	assert.True(t, ok)
	assert.Contains(t, line, "Relayed: 4 (live 3)")
}
