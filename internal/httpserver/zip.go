package httpserver

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"nasmux/internal/auth"
	"nasmux/internal/fsutil"
	"nasmux/internal/stream"
)

// handleZip streams a zip of one or more paths.
//
//	GET  /api/zip?path=<rel>
//	POST /api/zip  form: paths=...&paths=...&name=...
//	POST /api/zip  json: {"paths":[...], "name":"..."}
func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	var (
		paths []string
		name  string
	)
	switch r.Method {
	case http.MethodGet:
		if p := fsutil.Sanitize(r.URL.Query().Get("path")); p != "" {
			paths = []string{p}
		}
	case http.MethodPost:
		if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
			var req struct {
				Paths []string `json:"paths"`
				Name  string   `json:"name"`
			}
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "bad json")
				return
			}
			paths, name = cleanPaths(req.Paths), req.Name
		} else {
			if err := r.ParseForm(); err != nil {
				writeError(w, http.StatusBadRequest, "bad form")
				return
			}
			paths, name = cleanPaths(r.Form["paths"]), r.FormValue("name")
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if len(paths) == 0 {
		writeError(w, http.StatusBadRequest, "missing paths")
		return
	}

	if strings.TrimSpace(name) == "" {
		if len(paths) == 1 {
			name = path.Base(paths[0])
		} else {
			name = "download"
		}
	}
	name = sanitizeZipBaseName(name)

	type item struct {
		rel string
		abs string
		st  os.FileInfo
	}
	items := make([]item, 0, len(paths))
	for _, p := range paths {
		if !s.check(w, r, auth.PermRead, p) {
			return
		}
		abs, err := s.resolve(p)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items = append(items, item{rel: p, abs: abs, st: st})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", stream.ContentDisposition("attachment", name+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()

	used := map[string]int{}
	uniqueTop := func(base string) string {
		base = sanitizeZipPath(base)
		if base == "" {
			base = "item"
		}
		n := used[base]
		used[base] = n + 1
		if n == 0 {
			return base
		}
		ext := path.Ext(base)
		return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(base, ext), n, ext)
	}

	for _, it := range items {
		top := uniqueTop(path.Base(it.rel))
		var err error
		if it.st.IsDir() {
			err = s.zipDir(r, zw, it.abs, it.rel, top)
		} else {
			err = zipFile(zw, it.abs, top, it.st)
		}
		if err != nil {
			s.log.Debug().Err(err).Str("path", it.rel).Msg("zip aborted")
			return
		}
	}
}

// zipDir adds the regular files below abs that the caller may read. Symlinks
// are only followed when allowed and still inside the root. The state
// directory is never included.
func (s *Server) zipDir(r *http.Request, zw *zip.Writer, abs, rel, top string) error {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == abs {
			return nil
		}
		sub, err := filepath.Rel(abs, p)
		if err != nil {
			return nil
		}
		sub = filepath.ToSlash(sub)
		if !s.auth.Allowed(user, fsutil.JoinRel(rel, sub), auth.PermRead) || s.inState(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if !s.cfg.FollowSymlinks {
				return nil
			}
			if _, err := s.resolve(fsutil.JoinRel(rel, sub)); err != nil {
				return nil
			}
		}
		st, err := os.Stat(p)
		if err != nil || !st.Mode().IsRegular() {
			return nil
		}
		zp := sanitizeZipPath(top + "/" + sub)
		if zp == "" {
			return nil
		}
		return zipFile(zw, p, zp, st)
	})
}

func zipFile(zw *zip.Writer, abs, name string, st os.FileInfo) error {
	f, err := os.Open(abs)
	if err != nil {
		// Unreadable files are skipped, not fatal.
		return nil
	}
	defer f.Close()
	h := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: st.ModTime()}
	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}

func cleanPaths(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = fsutil.Sanitize(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	s = truncateUTF8(s, 120)
	if s == "" {
		return "download"
	}
	return s
}

func sanitizeZipPath(p string) string {
	return fsutil.Sanitize(truncateUTF8(fsutil.Sanitize(p), 240))
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
