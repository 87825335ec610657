package scanning

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies scan failures.
type Kind int

const (
	// KindInitialization means the recognition engine or its language data
	// could not be loaded. It is fatal for the Pipeline.
	KindInitialization Kind = iota + 1
	// KindDecode means the input bytes are not a readable image.
	KindDecode
	// KindPreprocessingDegraded means advanced preprocessing fell back to
	// the standard output. It is only ever logged.
	KindPreprocessingDegraded
	// KindTimeout means the call exceeded its budget.
	KindTimeout
	// KindTransientPass is a single failed pass; other passes may still win.
	KindTransientPass
	// KindExhausted means no pass produced a result.
	KindExhausted
	// KindClosed means the Pipeline was closed before the scan started.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindDecode:
		return "decode"
	case KindPreprocessingDegraded:
		return "preprocessing degraded"
	case KindTimeout:
		return "timeout"
	case KindTransientPass:
		return "transient pass"
	case KindExhausted:
		return "exhausted"
	case KindClosed:
		return "closed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified scan failure.
type Error struct {
	Kind    Kind
	Op      string
	Elapsed time.Duration
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(" after %s", e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
