package stream

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrUnsatisfiable is returned when the range starts at or past EOF.
	ErrUnsatisfiable = errors.New("range not satisfiable")
	// ErrMalformedRange is returned for a Range header that cannot be
	// parsed. Callers ignore the header and serve the full body.
	ErrMalformedRange = errors.New("malformed range header")
)

// ByteRange is an inclusive byte interval within a file.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// ParseRange parses a Range header against size. ok is false when header is
// empty. Only the first range of a list is honored. "bytes=-N" is read as
// 0..N rather than as a suffix range.
func ParseRange(header string, size int64) (br ByteRange, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{}, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return ByteRange{}, false, ErrMalformedRange
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	startStr, endStr, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return ByteRange{}, false, ErrMalformedRange
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)
	if startStr == "" && endStr == "" {
		return ByteRange{}, false, ErrMalformedRange
	}

	start, end := int64(0), size-1
	if startStr != "" {
		if start, err = strconv.ParseInt(startStr, 10, 64); err != nil || start < 0 {
			return ByteRange{}, false, ErrMalformedRange
		}
	}
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil || end < 0 {
			return ByteRange{}, false, ErrMalformedRange
		}
		if end < start {
			return ByteRange{}, false, ErrMalformedRange
		}
	}

	if start >= size {
		return ByteRange{}, true, ErrUnsatisfiable
	}
	if end >= size {
		end = size - 1
	}
	return ByteRange{Start: start, End: end}, true, nil
}
