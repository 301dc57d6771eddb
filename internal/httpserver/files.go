package httpserver

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"nasmux/internal/auth"
	"nasmux/internal/diskinfo"
	"nasmux/internal/fsutil"
	"nasmux/internal/listing"
	"nasmux/internal/meta"
	"nasmux/internal/shares"
	"nasmux/internal/stream"
)

// handleFile serves GET/HEAD /f/<rel> with Range support. ?inline=1 asks for
// an inline disposition (ignored for dangerous types).
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rel := fsutil.Sanitize(strings.TrimPrefix(r.URL.Path, "/f/"))
	if !s.check(w, r, auth.PermRead, rel) {
		return
	}
	s.serveFile(w, r, rel, r.URL.Query().Get("inline") == "1")
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rel string, inline bool) {
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
	if st.IsDir() {
		writeError(w, http.StatusBadRequest, "is a directory")
		return
	}
	resp, err := stream.Open(abs, st.Name(), r.Header.Get("Range"), stream.Options{
		ChunkSize: s.cfg.Stream.ChunkSize,
		Inline:    inline,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := stream.Serve(w, r, resp)
	switch {
	case errors.Is(err, stream.ErrTruncated):
		s.log.Warn().Err(err).Str("path", rel).Int64("sent", n).Msg("file shrank while streaming")
	case err != nil:
		s.log.Debug().Err(err).Str("path", rel).Int64("sent", n).Msg("download aborted")
	}
}

type readmeInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type listResponse struct {
	listing.Page
	Readme *readmeInfo `json:"readme"`
}

// handleList serves GET /api/list?path=&page=&per_page=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.Sanitize(r.URL.Query().Get("path"))
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
	if !st.IsDir() {
		writeError(w, http.StatusBadRequest, "not a directory")
		return
	}

	page, err := s.lister.List(r.Context(), s.cfg.Root, rel,
		queryInt(r, "page", 1), queryInt(r, "per_page", s.cfg.Listing.DefaultPerPage))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	decorate(page.Items)

	resp := listResponse{Page: page}
	for _, cand := range []string{"README.md", "readme.md"} {
		if st2, err := os.Stat(filepath.Join(abs, cand)); err == nil && st2.Mode().IsRegular() {
			resp.Readme = &readmeInfo{Path: fsutil.JoinRel(rel, cand), Name: cand, Size: st2.Size()}
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchResponse struct {
	Query      string             `json:"query"`
	Path       string             `json:"path"`
	Items      []meta.Entry       `json:"items"`
	Pagination listing.Pagination `json:"pagination"`
	Truncated  bool               `json:"truncated"`
	Finder     string             `json:"finder,omitempty"`
}

// handleSearch serves GET /api/search?q=&path=&page=&per_page=. Results are
// ordered like a listing and paginated the same way.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.Sanitize(r.URL.Query().Get("path"))
	if !s.check(w, r, auth.PermRead, rel) {
		return
	}
	if _, err := s.resolve(rel); err != nil {
		s.fail(w, r, err)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	res, err := s.search.Search(r.Context(), s.cfg.Root, rel, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	listing.SortEntries(res.Items)
	p := listing.Paginate(len(res.Items), queryInt(r, "page", 1), queryInt(r, "per_page", s.cfg.Listing.DefaultPerPage))
	lo, hi := p.Bounds()
	items := res.Items[lo:hi]
	decorate(items)

	writeJSON(w, http.StatusOK, searchResponse{
		Query:      q,
		Path:       rel,
		Items:      items,
		Pagination: p,
		Truncated:  res.Truncated,
		Finder:     res.Finder,
	})
}

type statResponse struct {
	Entry meta.Entry   `json:"entry"`
	Share *shares.Link `json:"share"`
}

// handleStat serves GET /api/stat?path= for the preview pane.
func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.Sanitize(r.URL.Query().Get("path"))
	if !s.check(w, r, auth.PermRead, rel) {
		return
	}
	abs, err := s.resolve(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ent := s.resolver.Resolve(abs, rel)
	if ent.Degraded() {
		if errors.Is(ent.Err, os.ErrNotExist) {
			s.fail(w, r, ent.Err)
			return
		}
		s.log.Warn().Err(ent.Err).Str("path", rel).Msg("stat degraded")
	}
	if rel == "" {
		ent.Name = displayName(rel)
	}
	if !ent.IsDir && ent.Accessible && isImageName(ent.Name) {
		ent.Thumb = thumbURL(rel)
	}

	resp := statResponse{Entry: ent}
	if l, err := s.shares.Lookup(r.Context(), owner(r), rel); err == nil {
		resp.Share = &l
	} else if !errors.Is(err, shares.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStorage serves GET /api/storage.
func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if !s.check(w, r, auth.PermRead, "") {
		return
	}
	u, err := diskinfo.For(s.cfg.Root)
	if errors.Is(err, diskinfo.ErrUnsupported) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// displayName is the last element of rel, or "Home" for the root.
func displayName(rel string) string {
	if rel == "" {
		return "Home"
	}
	return path.Base(rel)
}
