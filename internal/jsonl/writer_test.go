package jsonl_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/jsonl"
)

type record struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

func TestWriter_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")

	w, err := jsonl.NewWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(record{Type: "message.created", MessageID: 1}))
	require.NoError(t, w.Append(record{Type: "message.edited", MessageID: 1}))

	data, err := os.ReadFile(path) //nolint:gosec // G304 - test fixture path
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"message.created","message_id":1}`+"\n"+`{"type":"message.edited","message_id":1}`+"\n",
		string(data))
}

func TestReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := jsonl.NewWriter(path)
	require.NoError(t, err)

	lines, err := jsonl.ReadAll(path)
	require.NoError(t, err)
	assert.Empty(t, lines)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Append(record{Type: "message.created", MessageID: i}))
	}

	lines, err = jsonl.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	var last record
	require.NoError(t, json.Unmarshal(lines[2], &last))
	assert.Equal(t, int64(3), last.MessageID)
}

func TestReadAll_MissingFile(t *testing.T) {
	_, err := jsonl.ReadAll(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}

func TestWriter_AppendConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := jsonl.NewWriter(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, w.Append(record{Type: "message.created", MessageID: id}))
		}(int64(i))
	}
	wg.Wait()

	lines, err := jsonl.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, lines, 20)
	for _, line := range lines {
		var r record
		require.NoError(t, json.Unmarshal(line, &r), "every line must be a whole record")
	}
}
