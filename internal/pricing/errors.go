package pricing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the source does not know the symbol or pool. It is
	// permanent for that source.
	ErrNotFound = errors.New("not found")
	// ErrTransient covers network failures, timeouts and rate limits.
	ErrTransient = errors.New("transient source failure")
	// ErrInvalidResponse means the payload was malformed or the value was
	// not usable (non-positive price, NaN). Handled like ErrTransient.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrAllSourcesFailed is returned per symbol when every tier failed.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// Attempt records one failed tier for a key.
type Attempt struct {
	Source string
	Err    error
}

// SymbolError is returned when no tier produced a value for Key.
type SymbolError struct {
	Key      string
	Attempts []Attempt
}

func (e *SymbolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s for %s", ErrAllSourcesFailed, e.Key)
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", a.Source, a.Err)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrAllSourcesFailed) match.
func (e *SymbolError) Is(target error) bool {
	return target == ErrAllSourcesFailed
}

// Unwrap exposes the per-tier errors to errors.Is/As.
func (e *SymbolError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// IsRetryable reports whether a later tier or cycle may succeed where err failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrInvalidResponse)
}
