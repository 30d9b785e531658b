package httputil

import (
	"errors"
	"io"
)

// ErrBodyTooLarge is returned by ReadAllStrict when the body exceeds its limit.
var ErrBodyTooLarge = errors.New("body exceeds size limit")

// ReadAllWithLimit reads at most limit bytes and reports whether more remained.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(data)) > limit {
		return data[:limit], true, err
	}
	return data, false, err
}

// ReadAllStrict reads the whole body, failing if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
