package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"nasmux/internal/auth"
	"nasmux/internal/fsutil"
)

const thumbMax = 256

func thumbable(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// handleThumb serves GET /thumb?path= as a JPEG no larger than thumbMax on
// either side. Results are cached under <state>/thumbs keyed by path and
// mtime.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
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
	if err != nil || st.IsDir() || !thumbable(abs) {
		http.NotFound(w, r)
		return
	}

	thumbDir := filepath.Join(s.cfg.StateDir, "thumbs")
	sum := sha256.Sum256([]byte(rel))
	key := hex.EncodeToString(sum[:12]) + "-" + strconv.FormatInt(st.ModTime().UnixNano(), 36) + ".jpg"
	thumbPath := filepath.Join(thumbDir, key)

	b, err := os.ReadFile(thumbPath)
	if err != nil {
		b, err = makeThumb(abs, thumbMax)
		if err != nil {
			s.log.Debug().Err(err).Str("path", rel).Msg("thumbnail failed")
			http.NotFound(w, r)
			return
		}
		if err := os.MkdirAll(thumbDir, 0o755); err == nil {
			_ = os.WriteFile(thumbPath, b, 0o644)
		}
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

func makeThumb(absPath string, limit int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := fit(w, h, limit)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fit scales (w, h) down so the longer side is at most limit.
func fit(w, h, limit int) (int, int) {
	if limit <= 0 {
		limit = thumbMax
	}
	nw, nh := w, h
	switch {
	case w >= h && w > limit:
		nw, nh = limit, h*limit/w
	case h > w && h > limit:
		nw, nh = w*limit/h, limit
	}
	return max(nw, 1), max(nh, 1)
}
