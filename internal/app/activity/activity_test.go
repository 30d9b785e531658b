package activity

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_ListNewestFirstPerHandle(t *testing.T) {
	l := New(10, nil)
	l.Add(Entry{Handle: "ada", Action: "unlock_companion", Subject: "zeus", Status: StatusOK})
	l.Add(Entry{Handle: "grace", Action: "stake", Amount: 5, Status: StatusOK})
	l.Add(Entry{Handle: "ada", Action: "stake", Amount: 3, Status: StatusFailed})

	got := l.List("ada", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "stake", got[0].Action)
	assert.Equal(t, "unlock_companion", got[1].Action)
	assert.False(t, got[0].Time.IsZero())

	assert.Len(t, l.List("ada", 1), 1)
	assert.Empty(t, l.List("nobody", 5))
}

func TestLog_Bounded(t *testing.T) {
	l := New(3, nil)
	for i := 0; i < 5; i++ {
		l.Add(Entry{Handle: "ada", Amount: float64(i)})
	}
	assert.Equal(t, 3, l.Len())
	got := l.List("ada", 0)
	assert.Equal(t, float64(4), got[0].Amount)
	assert.Equal(t, float64(2), got[2].Amount)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	l := New(5, sink)
	l.Add(Entry{Handle: "ada", Action: "stake", Amount: 2, Status: StatusOK})
	l.Add(Entry{Handle: "ada", Action: "award", Status: StatusFailed, DedupKey: "k1"})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "k1", lines[1].DedupKey)
}

func TestNewFileSink_EmptyPath(t *testing.T) {
	sink, err := NewFileSink("")
	require.NoError(t, err)
	assert.Nil(t, sink)
	assert.NoError(t, sink.Write(Entry{}))
	assert.NoError(t, sink.Close())
}
