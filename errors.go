package ragforge

import (
	"errors"
	"fmt"

	"github.com/ragforge/ragforge/state"
)

// Kind tags an Error with the category a caller can safely switch on,
// independent of the human-readable message — the structured counterpart to
// the teacher's flat sentinel-error list, needed because several of these
// carry payload data (a uuid, a state pair, a lock name) that a plain
// errors.New sentinel can't hold.
type Kind string

const (
	KindNotInitialized     Kind = "not_initialized"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindParseFailure       Kind = "parse_failure"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderRateLimited Kind = "provider_rate_limited"
	KindInvalidState       Kind = "invalid_state"
	KindLockTimeout        Kind = "lock_timeout"
	KindProjectNotFound    Kind = "project_not_found"
	KindConflict           Kind = "conflict"
	KindBadInput           Kind = "bad_input"
)

// Error is the structured error type every RagForge operation returns for
// an expected failure mode. Callers branch on Kind via errors.As, the way
// they would switch on the teacher's sentinel errors with errors.Is.
type Error struct {
	Kind Kind

	// Payload fields, populated depending on Kind.
	File    string // ParseFailure
	Reason  string // ParseFailure, BadInput
	UUID    string // InvalidState
	From    string // InvalidState
	To      string // InvalidState
	Lock    string // LockTimeout
	Op      string // LockTimeout
	HeldBy  string // LockTimeout
	Field   string // BadInput
	Conflict string // Conflict

	Err error // wrapped cause, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindParseFailure:
		return fmt.Sprintf("ragforge: parse failure for %s: %s", e.File, e.Reason)
	case KindInvalidState:
		return fmt.Sprintf("ragforge: node %s cannot move from %s to %s", e.UUID, e.From, e.To)
	case KindLockTimeout:
		return fmt.Sprintf("ragforge: %s lock timed out waiting for %q (held by %q)", e.Lock, e.Op, e.HeldBy)
	case KindBadInput:
		return fmt.Sprintf("ragforge: bad input for field %q: %s", e.Field, e.Reason)
	case KindConflict:
		return fmt.Sprintf("ragforge: conflict: %s", e.Conflict)
	case KindProjectNotFound:
		return fmt.Sprintf("ragforge: project not found: %s", e.Reason)
	default:
		if e.Err != nil {
			return fmt.Sprintf("ragforge: %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("ragforge: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: KindX}) match any *Error with the same
// Kind, ignoring payload fields — the common case of "is this a lock
// timeout" without caring which lock.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newNotInitialized() error { return &Error{Kind: KindNotInitialized} }

func newStoreUnavailable(cause error) error { return &Error{Kind: KindStoreUnavailable, Err: cause} }

func newParseFailure(file, reason string, cause error) error {
	return &Error{Kind: KindParseFailure, File: file, Reason: reason, Err: cause}
}

func newProviderUnavailable(cause error) error {
	return &Error{Kind: KindProviderUnavailable, Err: cause}
}

func newProviderRateLimited(cause error) error {
	return &Error{Kind: KindProviderRateLimited, Err: cause}
}

func newInvalidState(uuid string, from, to state.State) error {
	return &Error{Kind: KindInvalidState, UUID: uuid, From: string(from), To: string(to)}
}

func newLockTimeout(lock, op, heldBy string) error {
	return &Error{Kind: KindLockTimeout, Lock: lock, Op: op, HeldBy: heldBy}
}

func newProjectNotFound(reason string) error {
	return &Error{Kind: KindProjectNotFound, Reason: reason}
}

func newConflict(reason string) error { return &Error{Kind: KindConflict, Conflict: reason} }

func newBadInput(field, reason string) error {
	return &Error{Kind: KindBadInput, Field: field, Reason: reason}
}
