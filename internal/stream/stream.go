// Package stream serves files with single-range support in bounded chunks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"nasmux/internal/meta"
)

// DefaultChunkSize bounds memory per active download.
const DefaultChunkSize = 1 << 20

// ErrTruncated means the file shrank or vanished while being streamed.
var ErrTruncated = errors.New("file truncated during read")

// Executables, scripts and archives are never rendered by the browser.
var dangerousExt = map[string]struct{}{
	".exe": {}, ".msi": {}, ".dll": {}, ".bat": {}, ".cmd": {}, ".ps1": {}, ".vbs": {},
	".js": {}, ".jar": {}, ".com": {}, ".zip": {}, ".rar": {}, ".7z": {}, ".tar": {},
	".gz": {}, ".tgz": {}, ".apk": {}, ".app": {}, ".dmg": {}, ".iso": {}, ".bin": {}, ".sh": {},
}

// IsDangerous reports whether name has an extension forced to download.
func IsDangerous(name string) bool {
	_, ok := dangerousExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

type Options struct {
	// ChunkSize is the read size per Next; <= 0 means DefaultChunkSize.
	ChunkSize int
	// Inline asks for Content-Disposition: inline (previews).
	Inline bool
}

// Response is a status, headers and an optional body. Body is nil for 416.
type Response struct {
	Status int
	Header http.Header
	Body   *Chunks
}

// Close releases the body's file, if any.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Open prepares a download of abs under the display name. rangeHeader may be
// empty. A malformed header is ignored; an unsatisfiable one yields a 416
// Response with no body. The caller must Close the Response.
func Open(abs, name, rangeHeader string, opts Options) (*Response, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("open %s: not a regular file", name)
	}
	size := st.Size()

	h := baseHeader(name, opts.Inline)
	h.Set("Last-Modified", st.ModTime().UTC().Format(http.TimeFormat))

	br, ranged, err := ParseRange(rangeHeader, size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		f.Close()
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		h.Set("Content-Length", "0")
		return &Response{Status: http.StatusRequestedRangeNotSatisfiable, Header: h}, nil
	case err != nil:
		ranged = false
	}

	status := http.StatusOK
	if ranged {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size))
	} else {
		br = ByteRange{Start: 0, End: size - 1}
	}
	h.Set("Content-Length", strconv.FormatInt(br.Len(), 10))

	return &Response{
		Status: status,
		Header: h,
		Body:   NewChunks(f, br.Start, br.Len(), opts.ChunkSize),
	}, nil
}

func baseHeader(name string, inline bool) http.Header {
	h := make(http.Header)
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'self'")

	dangerous := IsDangerous(name)
	disp := "attachment"
	if inline && !dangerous {
		disp = "inline"
	}
	h.Set("Content-Disposition", ContentDisposition(disp, name))

	if dangerous {
		h.Set("Content-Type", meta.MimeDefault)
		h.Set("X-Download-Options", "noopen")
		return h
	}
	ct := meta.MimeForName(name)
	if ct == "" {
		ct = meta.MimeDefault
	}
	h.Set("Content-Type", ct)
	return h
}

// ContentDisposition formats disp with a quoted ASCII filename, adding an
// RFC 5987 filename* when name is not plain ASCII.
func ContentDisposition(disp, name string) string {
	ascii := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	v := disp + `; filename="` + ascii + `"`
	if ascii != name {
		v += "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return v
}

// Chunks reads [offset, offset+remaining) of a file in pieces of at most
// chunkSize bytes. It owns the file and closes it on exhaustion or error.
type Chunks struct {
	f         *os.File
	offset    int64
	remaining int64
	buf       []byte

	closeOnce sync.Once
	closeErr  error
}

// NewChunks takes ownership of f.
func NewChunks(f *os.File, offset, length int64, chunkSize int) *Chunks {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunks{
		f:         f,
		offset:    offset,
		remaining: max(length, 0),
		buf:       make([]byte, int(min(int64(chunkSize), max(length, 1)))),
	}
}

// Remaining is the number of bytes not yet returned.
func (c *Chunks) Remaining() int64 { return c.remaining }

// Next returns the next chunk. The slice is only valid until the following
// call. It returns io.EOF once the range is exhausted, and ErrTruncated
// (possibly with the bytes that were still readable) when the file ends early.
func (c *Chunks) Next() ([]byte, error) {
	if c.remaining <= 0 {
		c.Close()
		return nil, io.EOF
	}
	want := min(int64(len(c.buf)), c.remaining)
	n, err := c.f.ReadAt(c.buf[:want], c.offset)
	c.offset += int64(n)
	c.remaining -= int64(n)
	if int64(n) < want {
		c.remaining = 0
		c.Close()
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return c.buf[:n], fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	if c.remaining == 0 {
		c.Close()
	}
	return c.buf[:n], nil
}

// Close releases the file. Safe to call more than once.
func (c *Chunks) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.f.Close()
	})
	return c.closeErr
}

// CopyTo copies the remaining chunks to w, stopping at a chunk boundary if
// ctx is cancelled. It flushes after each chunk when w supports it and
// always closes c.
func (c *Chunks) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	defer c.Close()
	flusher, _ := w.(http.Flusher)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		b, err := c.Next()
		if len(b) > 0 {
			n, werr := w.Write(b)
			written += int64(n)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// Serve writes resp to w. HEAD requests get headers only. The returned error
// is informational: headers have already been sent.
func Serve(w http.ResponseWriter, r *http.Request, resp *Response) (int64, error) {
	defer resp.Close()
	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.Status)
	if resp.Body == nil || r.Method == http.MethodHead {
		return 0, nil
	}
	return resp.Body.CopyTo(r.Context(), w)
}
