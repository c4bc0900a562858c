// Package errtype implements the §7 error taxonomy as Kind-tagged wrapped
// errors, following the teacher's pkg/utils.Wrap naming and shape but
// carrying a classification tag so handlers can branch on errtype.Is without
// string matching.
package errtype

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch-level handling per §7.
type Kind int

const (
	// Transient covers transport errors, timeouts, full queues, and
	// "adult full" reports. Action: retry with backoff or via AE.
	Transient Kind = iota
	// KnowledgeStale covers a message signed by an unknown key or against
	// an outdated section key. Action: trigger AE, don't fault the peer
	// unless repeated.
	KnowledgeStale
	// AuthorityInvalid covers signature verification failures. Action:
	// drop the message, report a Knowledge issue on the sender.
	AuthorityInvalid
	// ResourceExhausted covers storage-full, too-many-joins, queue
	// overflow. Action: apply back-pressure.
	ResourceExhausted
	// ProtocolViolation covers malformed messages, out-of-sequence votes,
	// votes from non-elders. Action: drop, report the matching issue kind.
	ProtocolViolation
	// Fatal covers unreadable key material or an unrecoverable section
	// tree. Action: abort the process.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case KnowledgeStale:
		return "knowledge_stale"
	case AuthorityInvalid:
		return "authority_invalid"
	case ResourceExhausted:
		return "resource_exhausted"
	case ProtocolViolation:
		return "protocol_violation"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type typedError struct {
	kind Kind
	err  error
}

func (e *typedError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *typedError) Unwrap() error { return e.err }

// Wrap annotates err with a classification kind and message context. Returns
// nil if err is nil, matching pkg/utils.Wrap's behavior.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &typedError{kind: kind, err: fmt.Errorf("%s: %w", message, err)}
}

// New creates a classified error from a message alone, for call sites with
// no underlying error to wrap.
func New(kind Kind, message string) error {
	return &typedError{kind: kind, err: errors.New(message)}
}

// Is reports whether err (or anything it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	var te *typedError
	for {
		if errors.As(err, &te) {
			if te.kind == kind {
				return true
			}
			err = te.err
			continue
		}
		return false
	}
}

// As extracts the Kind of err, if it is (or wraps) a classified error.
func As(err error) (Kind, bool) {
	var te *typedError
	if errors.As(err, &te) {
		return te.kind, true
	}
	return 0, false
}
