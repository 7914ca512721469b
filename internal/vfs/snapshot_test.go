package vfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tr := NewTree()
	require.NoError(t, tr.AddFile("/music/a.flac", Entry{Size: 100, ModTime: t0, Owner: "alice", Group: "users", Checksum: 7}, "s1"))
	require.NoError(t, tr.AddBacker("/music/a.flac", "s2"))
	require.NoError(t, tr.AddFile("/music/live/b.flac", fileEntry("", 50), "s3"))
	require.NoError(t, tr.Mkdir("/incoming/empty"))
	return tr
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := sampleTree(t)

	var buf bytes.Buffer
	require.NoError(t, tr.WriteSnapshot(&buf))

	restored, err := ReadSnapshot(&buf)
	require.NoError(t, err)

	assert.Equal(t, dump(tr), dump(restored))
	assert.Equal(t, tr.Stats(), restored.Stats())
	checkSizes(t, restored)
}

func TestSnapshotEmptyTree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTree().WriteSnapshot(&buf))

	restored, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, restored.Stats())
}

func TestReadSnapshotRejectsGarbage(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewReader([]byte("not zstd")))
	assert.Error(t, err)
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "tree.snap")

	tr := sampleTree(t)
	require.NoError(t, tr.SaveSnapshot(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, dump(tr), dump(loaded))

	// Overwrite with a smaller tree.
	small := NewTree()
	require.NoError(t, small.AddFile("/only", fileEntry("", 1), "s1"))
	require.NoError(t, small.SaveSnapshot(path))
	loaded, err = LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 1, Bytes: 1}, loaded.Stats())
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	tr, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, Stats{}, tr.Stats())
}

func TestSnapshotThenRemerge(t *testing.T) {
	// Cold start: a stale snapshot followed by each online slave's remerge
	// yields the slaves' current view.
	tr := sampleTree(t)
	var buf bytes.Buffer
	require.NoError(t, tr.WriteSnapshot(&buf))
	restored, err := ReadSnapshot(&buf)
	require.NoError(t, err)

	_, err = restored.Remerge("/", report(t, Entry{Path: "/music/a.flac", Size: 100, ModTime: t0}), "s1")
	require.NoError(t, err)
	_, err = restored.Remerge("/", report(t), "s2")
	require.NoError(t, err)
	_, err = restored.Remerge("/", report(t, Entry{Path: "/music/live/b.flac", Size: 50, ModTime: t0}), "s3")
	require.NoError(t, err)

	assert.Equal(t, []string{"s1"}, backers(t, restored, "/music/a.flac"))
	assert.Equal(t, []string{"s3"}, backers(t, restored, "/music/live/b.flac"))
	checkSizes(t, restored)
}
