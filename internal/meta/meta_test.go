package meta

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIconForMime_Priority(t *testing.T) {
	cases := map[string]string{
		"image/png":                     IconImage,
		"video/mp4":                     IconVideo,
		"audio/mpeg":                    IconAudio,
		"text/plain; charset=utf-8":     IconText,
		"application/pdf":               IconPDF,
		"application/zip":               IconArchive,
		"application/x-7z-compressed":   IconArchive,
		"application/msword":            IconWord,
		"application/vnd.ms-excel":      IconExcel,
		"application/vnd.ms-powerpoint": IconPresentation,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         IconExcel,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   IconWord,
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": IconPresentation,
		"application/octet-stream": IconFile,
		"":                         IconFile,
		// text/ wins over pdf because it is checked first.
		"text/x-pdf-source": IconText,
	}
	for mt, want := range cases {
		assert.Equal(t, want, IconForMime(mt), mt)
	}
}

func TestIconForName(t *testing.T) {
	assert.Equal(t, IconImage, IconForName("A.JPG"))
	assert.Equal(t, IconArchive, IconForName("x.tgz"))
	assert.Equal(t, IconFile, IconForName("Makefile"))
}

func TestMimeForName(t *testing.T) {
	assert.Equal(t, "application/pdf", MimeForName("doc.PDF"))
	assert.Equal(t, "", MimeForName("README"))
	assert.Contains(t, MimeForName("a.txt"), "text/plain")
}

func TestResolve_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o644))
	mod := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(p, mod, mod))

	r := NewResolver(false)
	e := r.Resolve(p, "docs/notes.txt")
	assert.True(t, e.Accessible)
	assert.False(t, e.Degraded())
	assert.Equal(t, "notes.txt", e.Name)
	assert.Equal(t, "docs/notes.txt", e.Path)
	assert.Equal(t, int64(11), e.Size)
	assert.Equal(t, "11 B", e.SizeHuman)
	assert.Equal(t, "2 hours ago", e.ModifiedHuman)
	assert.Contains(t, e.Mime, "text/plain")
	assert.Equal(t, IconText, e.Icon)
}

func TestResolve_Dir(t *testing.T) {
	dir := t.TempDir()
	e := NewResolver(true).Resolve(dir, "x")
	assert.True(t, e.IsDir)
	assert.Equal(t, MimeDirectory, e.Mime)
	assert.Equal(t, IconFolder, e.Icon)
}

func TestResolve_SniffOverridesExtension(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "picture.qzx")
	// Minimal PNG signature and IHDR chunk header.
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}
	require.NoError(t, os.WriteFile(p, png, 0o644))

	assert.Equal(t, MimeDefault, NewResolver(false).Resolve(p, "picture.qzx").Mime)

	e := NewResolver(true).Resolve(p, "picture.qzx")
	assert.Equal(t, "image/png", e.Mime)
	assert.Equal(t, IconImage, e.Icon)
}

func TestResolve_UnknownFallsBackToOctetStream(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(p, []byte{0, 1, 2, 3}, 0o644))
	e := NewResolver(true).Resolve(p, "blob")
	assert.Equal(t, MimeDefault, e.Mime)
	assert.Equal(t, IconFile, e.Icon)
}

func TestResolve_MissingIsDegraded(t *testing.T) {
	dir := t.TempDir()
	e := NewResolver(false).Resolve(filepath.Join(dir, "gone.txt"), "gone.txt")
	assert.True(t, e.Degraded())
	assert.True(t, errors.Is(e.Err, os.ErrNotExist))
	assert.Equal(t, "gone.txt", e.Name)
	assert.Equal(t, int64(0), e.Size)
	assert.Equal(t, "Unknown", e.ModifiedHuman)
	assert.Equal(t, IconLocked, e.Icon)
	assert.Equal(t, MimeUnknown, e.Mime)
}

func TestResolve_DanglingSymlinkIsDegraded(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	if err := os.Symlink(filepath.Join(dir, "nowhere"), link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	e := NewResolver(false).Resolve(link, "dangling")
	assert.True(t, e.Degraded())
	assert.False(t, e.IsDir)
}

func TestResolve_PermissionDeniedIsDegraded(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits not enforced")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Mkdir(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "f"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	e := NewResolver(false).Resolve(filepath.Join(locked, "f"), "locked/f")
	assert.True(t, e.Degraded())
	assert.True(t, errors.Is(e.Err, os.ErrPermission))
}

func TestFallback_KeepsNameAndSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "song.mp3")
	require.NoError(t, os.WriteFile(p, make([]byte, 42), 0o644))
	e := NewResolver(false).Fallback(p, "song.mp3", errors.New("boom"))
	assert.Equal(t, "song.mp3", e.Name)
	assert.Equal(t, int64(42), e.Size)
	assert.Equal(t, IconAudio, e.Icon)
	assert.True(t, e.Degraded())
}
