package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_CreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, Write(path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(path + TempSuffix)
	assert.True(t, os.IsNotExist(err), "no tmp artifact on the happy path")
}

func TestWrite_ReplacesExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, Write(path, []byte("old content")))
	require.NoError(t, Write(path, []byte("new")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWrite_FailureLeavesOldContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "state.json")

	// Parent dir missing: temp file creation fails, nothing is left behind.
	err := Write(path, []byte("x"))
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(path + TempSuffix)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteJSON_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj.json")

	in := map[string]int{"a": 1, "b": 2}
	require.NoError(t, WriteJSON(path, in))

	var out map[string]int
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestReadJSON_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var out map[string]int
	err := ReadJSON(path, &out)
	assert.Error(t, err)
}

func TestCleanupTemp_RemovesOnlyTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0755))

	keep := filepath.Join(dir, "queue.wal")
	tmp1 := filepath.Join(dir, "queue-snapshot.json.tmp")
	tmp2 := filepath.Join(dir, "locks", "repoA.lock.json.tmp")

	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0644))
	require.NoError(t, os.WriteFile(tmp1, []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(tmp2, []byte("partial"), 0644))

	removed, err := CleanupTemp(dir)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = os.Stat(keep)
	assert.NoError(t, err)
	for _, p := range []string{tmp1, tmp2} {
		_, err = os.Stat(p)
		assert.True(t, os.IsNotExist(err), "tmp file should be removed: %s", p)
	}
}

func TestCleanupTemp_MissingRoot(t *testing.T) {
	removed, err := CleanupTemp(filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Empty(t, removed)
}
