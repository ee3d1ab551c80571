// Package fileserve parses HTTP Range headers and streams files in bounded
// chunks so result files larger than memory can be served.
package fileserve

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedUnit = errors.New("only byte ranges are supported")
	ErrInvalidRange    = errors.New("invalid byte range")
)

var rangeTokenRe = regexp.MustCompile(`(\d+)-(\d+)|(\d+)-|-(\d+)`)

// ByteRange is a half-open request for bytes Start..End of an object. End is
// nil for open-ended ranges ("start-").
type ByteRange struct {
	Start int64
	End   *int64
}

// NewByteRange validates that End, when present, lies strictly after Start.
func NewByteRange(start int64, end *int64) (ByteRange, error) {
	if start < 0 {
		return ByteRange{}, fmt.Errorf("%w: negative start %d", ErrInvalidRange, start)
	}
	if end != nil && *end <= start {
		return ByteRange{}, fmt.Errorf("%w: %d must be greater than %d", ErrInvalidRange, *end, start)
	}
	return ByteRange{Start: start, End: end}, nil
}

// Length is End - Start + 1. It panics on open-ended ranges; callers clamp
// against the object size first.
func (r ByteRange) Length() int64 {
	if r.End == nil {
		panic("fileserve: Length on open-ended range")
	}
	return *r.End - r.Start + 1
}

// Clamp bounds the range to an object of the given size. Ranges that run past
// the end are shortened rather than rejected; clients commonly request a fixed
// chunk size without knowing the file size. Reports false when the start lies
// at or past the end of the object, in which case the range is unsatisfiable.
func (r *ByteRange) Clamp(size int64) bool {
	if r.Start >= size {
		return false
	}
	if r.End == nil || *r.End >= size {
		end := size - 1
		r.End = &end
	}
	return true
}

// ParseRangeHeader parses a Range header value into byte ranges. The literal
// prefix "bytes=" is required. A token "-N" means bytes 0..N.
func ParseRangeHeader(header string) ([]ByteRange, error) {
	if !strings.HasPrefix(header, "bytes=") {
		return nil, ErrUnsupportedUnit
	}

	matches := rangeTokenRe.FindAllStringSubmatch(strings.TrimPrefix(header, "bytes="), -1)
	if len(matches) == 0 {
		return nil, ErrInvalidRange
	}

	ranges := make([]ByteRange, 0, len(matches))
	for _, m := range matches {
		var (
			start int64
			end   *int64
			err   error
		)
		switch {
		case m[1] != "": // start-end
			if start, err = strconv.ParseInt(m[1], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
			}
			e, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
			}
			end = &e
		case m[3] != "": // start-
			if start, err = strconv.ParseInt(m[3], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
			}
		default: // -end
			e, err := strconv.ParseInt(m[4], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
			}
			end = &e
		}

		r, err := NewByteRange(start, end)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	return ranges, nil
}
