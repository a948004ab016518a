package syncdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/syncerr"
)

func TestDeleteAnyFile(t *testing.T) {
	r := newRig(t, nil)
	r.board.AddFile("/main.py", []byte("m"))
	r.board.AddFile("/boot.py", []byte("b"))
	require.NoError(t, r.known.Add("/main.py", false, 1))

	require.NoError(t, r.exec.DeleteAny(t.Context(), "/main.py"))
	assert.Equal(t, []string{"/boot.py"}, r.board.Files())
	assert.False(t, r.known.Has("/main.py"))
}

func TestDeleteAnyFallsBackWhenNotEmpty(t *testing.T) {
	r := newRig(t, nil)
	r.board.RecursiveRemoveNotEmpty = true
	r.board.AddFile("/lib/a.py", []byte("a"))
	r.board.AddFile("/lib/sub/b.py", []byte("b"))
	r.board.AddDir("/lib/sub/empty")
	r.board.AddFile("/main.py", []byte("m"))

	require.NoError(t, r.exec.DeleteAny(t.Context(), "/lib"))
	assert.False(t, r.board.HasDir("/lib"))
	assert.False(t, r.board.HasDir("/lib/sub"))
	assert.Equal(t, []string{"/main.py"}, r.board.Files())
	assert.Equal(t, 3, r.board.CountVerb("rmdir"))
}

func TestDeleteAnyMissingAndRoot(t *testing.T) {
	r := newRig(t, nil)

	err := r.exec.DeleteAny(t.Context(), "/nope.py")
	assert.True(t, syncerr.IsFSKind(err, syncerr.NotFound))

	err = r.exec.DeleteAny(t.Context(), "/")
	assert.ErrorContains(t, err, "refusing")
	assert.Zero(t, r.board.CountVerb("rm"))
}

func TestWipeRemoteKeepsRoot(t *testing.T) {
	r := newRig(t, nil)
	r.board.AddFile("/main.py", []byte("m"))
	r.board.AddFile("/lib/a.py", []byte("a"))
	r.board.AddDir("/data")

	report, err := r.exec.WipeRemote(t.Context())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Len(t, report.Succeeded, 3)
	assert.Empty(t, r.board.Files())
	assert.False(t, r.board.HasDir("/lib"))
	assert.True(t, r.board.HasDir("/"))
}

func TestWipeRemoteUnderSubRoot(t *testing.T) {
	r := newRig(t, nil)
	r.exec.RemoteRoot = "/app"
	r.board.AddFile("/app/main.py", []byte("m"))
	r.board.AddFile("/keep.py", []byte("k"))

	_, err := r.exec.WipeRemote(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"/keep.py"}, r.board.Files())
	assert.True(t, r.board.HasDir("/app"))
}

func TestCreateFileAndDir(t *testing.T) {
	r := newRig(t, nil)

	require.NoError(t, r.exec.CreateFile(t.Context(), "/a/b/new.py"))
	data, ok := r.board.File("/a/b/new.py")
	require.True(t, ok)
	assert.Empty(t, data)
	assert.True(t, r.known.Has("/a/b/new.py"))

	require.NoError(t, r.exec.CreateDir(t.Context(), "/x/y"))
	assert.True(t, r.board.HasDir("/x/y"))
	// Existing directories are fine.
	require.NoError(t, r.exec.CreateDir(t.Context(), "/x/y"))
}

func TestRename(t *testing.T) {
	r := newRig(t, nil)
	r.board.AddFile("/old.py", []byte("o"))
	r.board.AddFile("/taken.py", []byte("t"))
	require.NoError(t, r.known.Add("/old.py", false, 1))

	err := r.exec.Rename(t.Context(), "/old.py", "/taken.py")
	assert.True(t, syncerr.IsFSKind(err, syncerr.Exists))

	err = r.exec.Rename(t.Context(), "/ghost.py", "/new.py")
	assert.True(t, syncerr.IsFSKind(err, syncerr.NotFound))

	require.NoError(t, r.exec.Rename(t.Context(), "/old.py", "/new.py"))
	assert.Equal(t, []string{"/new.py", "/taken.py"}, r.board.Files())
	assert.False(t, r.known.Has("/old.py"))
	assert.True(t, r.known.Has("/new.py"))
}
