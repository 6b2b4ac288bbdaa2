package chunks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSessionNotFound is returned for a non-zero chunk with no open session.
	ErrSessionNotFound = errors.New("first chunk must be chunk 0")
	// ErrSizeMismatch is returned in strict mode when the reassembled size
	// differs from the declared total size.
	ErrSizeMismatch = errors.New("reassembled size does not match declared total size")
)

// ValidationError rejects a chunk. Missing lists absent indices when the
// rejection is a gap found at finalization.
type ValidationError struct {
	Msg     string
	Missing []int
}

func (e *ValidationError) Error() string {
	if len(e.Missing) == 0 {
		return e.Msg
	}
	parts := make([]string, len(e.Missing))
	for i, idx := range e.Missing {
		parts[i] = strconv.Itoa(idx)
	}
	return fmt.Sprintf("%s: %s", e.Msg, strings.Join(parts, ", "))
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
