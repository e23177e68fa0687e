package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaypoint/supervisor/internal/process"
)

func entry(content string) process.LogEntry {
	return process.LogEntry{Timestamp: time.Now(), Kind: process.LogStdout, Content: content}
}

func TestRing_NeverExceedsCapacity(t *testing.T) {
	r := New(5)
	for i := 0; i < 20; i++ {
		r.Append(entry("line"))
		require.LessOrEqual(t, r.Len(), 5)
	}
	require.Equal(t, 5, r.Len())
}

// After N appends, reading back yields the most recent min(N, capacity)
// entries in insertion order.
func TestRing_OverflowKeepsMostRecent(t *testing.T) {
	r := New(5)
	for i := 0; i < 8; i++ {
		r.Append(process.LogEntry{Kind: process.LogStdout, Content: string(rune('0' + i))})
	}
	got := r.Snapshot()
	require.Len(t, got, 5)
	want := []string{"3", "4", "5", "6", "7"}
	for i, e := range got {
		require.Equal(t, want[i], e.Content)
	}
}

func TestRing_ReadFiltersByKind(t *testing.T) {
	r := New(10)
	r.Append(process.LogEntry{Kind: process.LogStdout, Content: "out1"})
	r.Append(process.LogEntry{Kind: process.LogStderr, Content: "err1"})
	r.Append(process.LogEntry{Kind: process.LogStdout, Content: "out2"})

	out := r.Read(process.LogStdout, 0)
	require.Len(t, out, 2)
	require.Equal(t, "out1", out[0].Content)
	require.Equal(t, "out2", out[1].Content)
}

func TestRing_ReadTailLimit(t *testing.T) {
	r := New(10)
	for i := 0; i < 6; i++ {
		r.Append(process.LogEntry{Kind: process.LogSystem, Content: string(rune('a' + i))})
	}
	out := r.Read("", 2)
	require.Len(t, out, 2)
	require.Equal(t, "e", out[0].Content)
	require.Equal(t, "f", out[1].Content)
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := New(0)
	require.Equal(t, DefaultCapacity, r.Capacity())
	r2 := New(-5)
	require.Equal(t, DefaultCapacity, r2.Capacity())
}
