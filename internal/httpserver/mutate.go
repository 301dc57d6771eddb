package httpserver

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"nasmux/internal/auth"
	"nasmux/internal/fsutil"
)

type pathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	rel := fsutil.Sanitize(req.Path)
	if rel == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	if !s.check(w, r, auth.PermWrite, rel) {
		return
	}
	abs, err := s.resolve(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("user", owner(r)).Str("path", rel).Msg("directory created")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": rel})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	fromRel := fsutil.Sanitize(req.From)
	toRel := fsutil.Sanitize(req.To)
	if fromRel == "" || toRel == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	if !s.check(w, r, auth.PermWrite, fromRel) || !s.check(w, r, auth.PermWrite, toRel) {
		return
	}
	fromAbs, err := s.resolve(fromRel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	toAbs, err := s.resolve(toRel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := os.Lstat(fromAbs); err != nil {
		s.fail(w, r, err)
		return
	}
	if fromRel == "" || s.holdsState(fromAbs) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if _, err := os.Lstat(toAbs); err == nil {
		writeError(w, http.StatusConflict, "destination exists")
		return
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("user", owner(r)).Str("from", fromRel).Str("to", toRel).Msg("renamed")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": toRel})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	rel := fsutil.Sanitize(req.Path)
	if rel == "" {
		writeError(w, http.StatusBadRequest, "refusing to delete the root")
		return
	}
	if !s.check(w, r, auth.PermAdmin, rel) {
		return
	}
	abs, err := s.resolve(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := os.Lstat(abs); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.holdsState(abs) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("user", owner(r)).Str("path", rel).Msg("deleted")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type uploadedFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// handleMultipartUpload serves POST /api/upload?path=<dir>. Every file part
// is streamed into the blob store and placed under dir.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dirRel := fsutil.Sanitize(r.URL.Query().Get("path"))
	if !s.check(w, r, auth.PermWrite, dirRel) {
		return
	}
	if _, err := s.resolve(dirRel); err != nil {
		s.fail(w, r, err)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad multipart")
		return
	}

	var files []uploadedFile
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad multipart")
			return
		}
		name := uploadName(part.FileName())
		if name == "" {
			_ = part.Close()
			continue
		}
		rel := fsutil.JoinRel(dirRel, name)
		dst, err := s.resolve(rel)
		if err != nil {
			_ = part.Close()
			s.fail(w, r, err)
			return
		}
		blob, err := s.blobs.Ingest(r.Context(), part)
		_ = part.Close()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.blobs.Place(blob, dst); err != nil {
			s.fail(w, r, err)
			return
		}
		s.log.Info().Str("user", owner(r)).Str("path", rel).Int64("size", blob.Size).Msg("uploaded")
		files = append(files, uploadedFile{Path: rel, SHA256: blob.Sum, Size: blob.Size})
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "files": files})
}

// uploadName reduces a client-supplied filename to a single safe element.
func uploadName(raw string) string {
	raw = strings.ReplaceAll(raw, "\\", "/")
	name := path.Base(fsutil.Sanitize(raw))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// handleUploads serves POST /api/uploads?path=<dest>&size=<n>.
func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dest := fsutil.Sanitize(r.URL.Query().Get("path"))
	if dest == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	if !s.check(w, r, auth.PermWrite, dest) {
		return
	}
	if _, err := s.resolve(dest); err != nil {
		s.fail(w, r, err)
		return
	}
	total := int64(-1)
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad size")
			return
		}
		total = n
	}
	sess, err := s.uploads.Create(owner(r), dest, total)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleUploadID serves GET|PATCH /api/uploads/<id> and
// POST /api/uploads/<id>/finish.
func (s *Server) handleUploadID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/uploads/"), "/")
	id, finish := strings.CutSuffix(rest, "/finish")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	sess, err := s.uploads.Get(owner(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.check(w, r, auth.PermWrite, sess.Dest) {
		return
	}

	switch {
	case finish && r.Method == http.MethodPost:
		dst, blob, err := s.uploads.Finish(r.Context(), owner(r), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rel, _ := filepath.Rel(s.cfg.Root, dst)
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"path":   filepath.ToSlash(rel),
			"sha256": blob.Sum,
			"size":   blob.Size,
		})
	case finish:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	case r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, sess)
	case r.Method == http.MethodPatch:
		sess, err := s.uploads.Patch(r.Context(), owner(r), id, r.Header.Get("Content-Range"), r.Body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
