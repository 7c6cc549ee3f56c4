package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrUnauthorized marks an authorization failure. It is the only error the
// engine ever propagates across its boundary: a resolver tier that sees it
// aborts the whole chain, and a scheduler that sees it stops polling rather
// than skipping a cycle.
var ErrUnauthorized = errors.New("caller is not authorized")

type Class string

const (
	ClassTerminal     Class = "terminal"
	ClassTransient    Class = "transient"
	ClassUnauthorized Class = "unauthorized"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

func (d Decision) IsUnauthorized() bool {
	return d.Class == ClassUnauthorized
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable regardless of its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient, reason: "explicit_transient"}
}

// Terminal marks err as not retryable regardless of its message.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal, reason: "explicit_terminal"}
}

// Classify decides how a failed source or tier call should be treated:
// transient failures fall through to the next tier, unauthorized failures
// veto the whole cycle, everything else is terminal for this attempt.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	if errors.Is(err, ErrUnauthorized) {
		return Decision{Class: ClassUnauthorized, Reason: "unauthorized"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, unauthorizedMessageTokens) {
		return Decision{Class: ClassUnauthorized, Reason: "message_unauthorized"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 500",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var unauthorizedMessageTokens = []string{
	"http status 401",
	"http status 403",
	"invalid api key",
	"token expired",
	"session expired",
}
