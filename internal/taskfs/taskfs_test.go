package taskfs_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "addition")

	def := &taskfs.Definition{
		Metadata: taskfs.Metadata{
			Name:        "addition",
			Version:     "1.0.0",
			Description: "adds two numbers",
			Tags:        []string{"math"},
		},
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"sum":{"type":"number"}}}`),
		Code:         "function execute(input, ctx) { return { sum: input.a + input.b }; }\n",
		Tests: []taskfs.TestCase{
			{Name: "two plus three", Input: json.RawMessage(`{"a":2,"b":3}`), Expected: json.RawMessage(`{"sum":5}`)},
			{Input: json.RawMessage(`{"a":1}`), ShouldFail: true},
		},
	}
	require.NoError(t, taskfs.Write(dir, def))

	loaded, err := taskfs.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, def.Metadata, loaded.Metadata)
	assert.JSONEq(t, string(def.InputSchema), string(loaded.InputSchema))
	assert.Equal(t, def.Code, loaded.Code)
	require.Len(t, loaded.Tests, 2)
	assert.Equal(t, "two plus three", loaded.Tests[0].Name)
	// Unnamed tests take their file name.
	assert.Equal(t, "test-002", loaded.Tests[1].Name)
	assert.True(t, loaded.Tests[1].ShouldFail)
}

func TestLoadMissingAndInvalid(t *testing.T) {
	_, err := taskfs.Load(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	dir := filepath.Join(t.TempDir(), "broken")
	require.NoError(t, taskfs.Write(dir, &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: "broken", Version: "1.0.0"},
		Code:     "function execute() {}",
	}))

	// Corrupt the metadata.
	require.NoError(t, os.WriteFile(filepath.Join(dir, taskfs.MetadataFile), []byte("{not json"), 0o644))
	_, err = taskfs.Load(dir)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
