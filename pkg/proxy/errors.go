package proxy

import (
	"errors"
	"fmt"
)

// ErrConfigExhausted matches any *ExhaustedError via errors.Is.
var ErrConfigExhausted = errors.New("proxy configuration exhausted")

// ExhaustedError is returned when no usable directive remains for a URL,
// either because the PAC offered none or because every proxy it offered is
// banned and DIRECT was not among them.
type ExhaustedError struct {
	URL string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no proxy configured or available for %q", e.URL)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrConfigExhausted
}

// ParseWarning describes a PAC token that was dropped during parsing.
type ParseWarning struct {
	Token  string
	Reason string
}

func (w *ParseWarning) Error() string {
	return fmt.Sprintf("unrecognized proxy config value %q: %s", w.Token, w.Reason)
}
