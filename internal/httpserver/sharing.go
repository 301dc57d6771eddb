package httpserver

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"nasmux/internal/auth"
	"nasmux/internal/fsutil"
	"nasmux/internal/meta"
	"nasmux/internal/shares"
	"nasmux/internal/stream"
)

type shareView struct {
	shares.Link
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl"`
}

func viewOf(l shares.Link) shareView {
	return shareView{Link: l, URL: "/s/" + l.Token, DownloadURL: "/s/" + l.Token + "/download"}
}

// handleIssueShare serves POST /api/shares {"path": ...}. Sharing the same
// file again refreshes the caller's existing link.
func (s *Server) handleIssueShare(w http.ResponseWriter, r *http.Request) {
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
	if !s.check(w, r, auth.PermRead, rel) {
		return
	}
	abs, err := s.resolve(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !st.Mode().IsRegular() {
		writeError(w, http.StatusBadRequest, "only files can be shared")
		return
	}
	l, err := s.shares.Issue(r.Context(), owner(r), rel, s.cfg.Shares.ExpiryDays)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

// handleListShares serves GET /api/shares with the caller's links.
func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	ls, err := s.shares.List(r.Context(), owner(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]shareView, 0, len(ls))
	for _, l := range ls {
		out = append(out, viewOf(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleRevokeShare serves DELETE /api/shares/{token}.
func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	if err := s.shares.Revoke(r.Context(), owner(r), r.PathValue("token")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sharedInfo struct {
	Name          string     `json:"name"`
	Size          int64      `json:"size"`
	SizeHuman     string     `json:"sizeHuman"`
	Mime          string     `json:"mime"`
	Icon          string     `json:"icon"`
	Modified      time.Time  `json:"modified"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	AccessCount   int64      `json:"accessCount"`
	DownloadURL   string     `json:"downloadUrl"`
	PreviewInline bool       `json:"previewInline"`
}

// openShared resolves token to its link and the file's absolute path. It
// writes the error response itself and returns ok=false on failure.
func (s *Server) openShared(w http.ResponseWriter, r *http.Request) (shares.Link, string, bool) {
	l, err := s.shares.Resolve(r.Context(), r.PathValue("token"))
	if err != nil {
		s.fail(w, r, err)
		return shares.Link{}, "", false
	}
	abs, err := s.resolve(l.Path)
	if err == nil {
		var st os.FileInfo
		st, err = os.Stat(abs)
		if err == nil && !st.Mode().IsRegular() {
			err = os.ErrNotExist
		}
	}
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("token", l.Token).Str("path", l.Path).Msg("shared file unavailable")
		}
		writeError(w, http.StatusNotFound, "not found")
		return shares.Link{}, "", false
	}
	return l, abs, true
}

// handleSharedInfo serves GET /s/{token}: metadata for the landing page.
func (s *Server) handleSharedInfo(w http.ResponseWriter, r *http.Request) {
	l, abs, ok := s.openShared(w, r)
	if !ok {
		return
	}
	ent := s.resolver.Resolve(abs, l.Path)
	if r.Method == http.MethodGet {
		if t, err := s.shares.Touch(r.Context(), l.Token); err == nil {
			l = t
		} else {
			s.log.Warn().Err(err).Str("token", l.Token).Msg("share access not recorded")
		}
	}
	writeJSON(w, http.StatusOK, sharedInfo{
		Name:          ent.Name,
		Size:          ent.Size,
		SizeHuman:     ent.SizeHuman,
		Mime:          ent.Mime,
		Icon:          ent.Icon,
		Modified:      ent.Modified,
		ExpiresAt:     l.ExpiresAt,
		AccessCount:   l.Accesses,
		DownloadURL:   "/s/" + l.Token + "/download",
		PreviewInline: !stream.IsDangerous(ent.Name) && previewable(ent),
	})
}

// handleSharedDownload serves GET|HEAD /s/{token}/download with Range
// support.
func (s *Server) handleSharedDownload(w http.ResponseWriter, r *http.Request) {
	l, abs, ok := s.openShared(w, r)
	if !ok {
		return
	}
	resp, err := stream.Open(abs, displayName(l.Path), r.Header.Get("Range"), stream.Options{
		ChunkSize: s.cfg.Stream.ChunkSize,
		Inline:    r.URL.Query().Get("inline") == "1",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.Method == http.MethodGet && resp.Status != http.StatusRequestedRangeNotSatisfiable {
		if _, err := s.shares.Touch(r.Context(), l.Token); err != nil {
			s.log.Warn().Err(err).Str("token", l.Token).Msg("share access not recorded")
		}
	}
	n, err := stream.Serve(w, r, resp)
	switch {
	case errors.Is(err, stream.ErrTruncated):
		s.log.Warn().Err(err).Str("token", l.Token).Int64("sent", n).Msg("shared file shrank while streaming")
	case err != nil:
		s.log.Debug().Err(err).Str("token", l.Token).Int64("sent", n).Msg("shared download aborted")
	}
}

func previewable(e meta.Entry) bool {
	if e.Mime == "application/pdf" {
		return true
	}
	for _, p := range []string{"image/", "video/", "audio/", "text/"} {
		if strings.HasPrefix(e.Mime, p) {
			return true
		}
	}
	return false
}
