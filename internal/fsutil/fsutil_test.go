package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		".":                 "",
		"/":                 "",
		"/a/b":              "a/b",
		"a//b/":             "a/b",
		"../etc/passwd":     "etc/passwd",
		"..\\..\\win.ini":   "win.ini",
		"....//....//x":     "..../..../x",
		"a/./b/../c":        "a/b/c",
		"..././":            "...",
		"\\\\server\\share": "server/share",
		"a\x00b":            "ab",
		"a.txt ":            "a.txt ",
		" a/b":              " a/b",
		"dir /x":            "dir /x",
		" ../ .. /x":        " ../ .. /x",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestJoinWithinRoot_KeepsSpacedNames(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("AAA"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt "), []byte("BBB"), 0o644))

	abs, err := JoinWithinRoot(root, "a.txt ")
	require.NoError(t, err)
	b, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "BBB", string(b))
}

func TestSanitize_NeverLeavesDotDot(t *testing.T) {
	pieces := []string{"..", ".", "/", "\\", "a", "...", "..../", "..\\"}
	// Every combination of three pieces.
	for _, a := range pieces {
		for _, b := range pieces {
			for _, c := range pieces {
				out := Sanitize(a + b + c)
				for _, seg := range strings.Split(out, "/") {
					assert.NotEqual(t, "..", seg, "input %q", a+b+c)
				}
				assert.False(t, strings.HasPrefix(out, "/"))
			}
		}
	}
}

func TestJoinWithinRoot_NeverEscapes(t *testing.T) {
	root := t.TempDir()
	inputs := []string{
		"../../../../etc/passwd",
		"..\\..\\..\\windows",
		"a/../../b",
		"....//....//etc",
		"/../..",
		"%2e%2e/secret",
		"x/../../../../y",
	}
	for _, in := range inputs {
		abs, err := JoinWithinRoot(root, in)
		require.NoError(t, err, in)
		assert.True(t, Within(filepath.Clean(root), abs), "input %q escaped to %q", in, abs)
	}
}

func TestJoinWithinRoot_Root(t *testing.T) {
	root := t.TempDir()
	abs, err := JoinWithinRoot(root, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(root), abs)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/srv/data", "/srv/data"))
	assert.True(t, Within("/srv/data", "/srv/data/x"))
	assert.False(t, Within("/srv/data", "/srv/database"))
	assert.False(t, Within("/srv/data", "/srv"))
}

func TestResolveWithinRoot_Symlinks(t *testing.T) {
	outside := t.TempDir()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real", "f.txt"), []byte("x"), 0o644))

	if err := os.Symlink(outside, filepath.Join(root, "out")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "in")))

	_, err := ResolveWithinRoot(root, "out/secret", true)
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = ResolveWithinRoot(root, "out/not-yet-created", true)
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = ResolveWithinRoot(root, "in/f.txt", false)
	assert.ErrorIs(t, err, ErrPathEscape)

	abs, err := ResolveWithinRoot(root, "in/f.txt", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "in", "f.txt"), abs)

	abs, err = ResolveWithinRoot(root, "real/f.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "real", "f.txt"), abs)

	abs, err = ResolveWithinRoot(root, "new/dir", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new", "dir"), abs)
}

func TestJoinRel(t *testing.T) {
	assert.Equal(t, "a", JoinRel("", "a"))
	assert.Equal(t, "p/a", JoinRel("p", "a"))
}
