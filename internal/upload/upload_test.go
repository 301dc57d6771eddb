package upload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasmux/internal/dedup"
	"nasmux/internal/fsutil"
)

func newManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	root := t.TempDir()
	state := t.TempDir()
	blobs, err := dedup.New(state, zerolog.Nop())
	require.NoError(t, err)
	m, err := New(root, state, false, blobs, zerolog.Nop())
	require.NoError(t, err)
	return m, root, state
}

func TestParseContentRange(t *testing.T) {
	s, e, total, err := ParseContentRange("bytes 0-9/100")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 9, 100}, []int64{s, e, total})

	_, _, total, err = ParseContentRange("bytes 10-19/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "bytes=0-9/10", "bytes 5-1/10", "bytes 0-10/10", "bytes a-b/c", "bytes 0-9"} {
		_, _, _, err := ParseContentRange(bad)
		assert.ErrorIs(t, err, ErrBadContentRange, bad)
	}
}

func TestResumableUpload(t *testing.T) {
	m, root, state := newManager(t)
	ctx := context.Background()

	s, err := m.Create("alice", "inbox/report.txt", 10)
	require.NoError(t, err)
	assert.Equal(t, "inbox/report.txt", s.Dest)

	s, err = m.Patch(ctx, "alice", s.ID, "bytes 0-4/10", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Offset)

	_, err = m.Patch(ctx, "alice", s.ID, "bytes 0-4/10", strings.NewReader("again"))
	assert.ErrorIs(t, err, ErrOffsetMismatch)
	_, _, err = m.Finish(ctx, "alice", s.ID)
	assert.ErrorIs(t, err, ErrIncomplete)

	// A restart picks the session up from disk.
	blobs, err := dedup.New(state, zerolog.Nop())
	require.NoError(t, err)
	m2, err := New(root, state, false, blobs, zerolog.Nop())
	require.NoError(t, err)
	got, err := m2.Get("alice", s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Offset)

	_, err = m2.Patch(ctx, "alice", s.ID, "bytes 5-9/10", strings.NewReader("world"))
	require.NoError(t, err)
	dst, blob, err := m2.Finish(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "inbox", "report.txt"), dst)
	assert.Equal(t, int64(10), blob.Size)

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(b))

	_, err = m2.Get("alice", s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpload_OwnerIsolation(t *testing.T) {
	m, _, _ := newManager(t)
	s, err := m.Create("alice", "a.txt", -1)
	require.NoError(t, err)
	_, err = m.Get("bob", s.ID)
	assert.ErrorIs(t, err, ErrForbiddenSession)
	_, err = m.Patch(context.Background(), "bob", s.ID, "bytes 0-0/*", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrForbiddenSession)
}

func TestUpload_RejectsEscapesAndSizeChanges(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Create("alice", "../..", 1)
	assert.ErrorIs(t, err, fsutil.ErrPathEscape)

	s, err := m.Create("alice", "../../etc/passwd", 4)
	require.NoError(t, err)
	assert.Equal(t, "etc/passwd", s.Dest)

	_, err = m.Patch(context.Background(), "alice", s.ID, "bytes 0-1/8", strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestUpload_EmptyFile(t *testing.T) {
	m, root, _ := newManager(t)
	s, err := m.Create("alice", "empty.txt", 0)
	require.NoError(t, err)
	dst, blob, err := m.Finish(context.Background(), "alice", s.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "empty.txt"), dst)
	assert.Zero(t, blob.Size)
}
