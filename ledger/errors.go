/*
errors.go - Error taxonomy for the redemption ledger

PURPOSE:
  Every rejection names the invariant that failed, so callers (HTTP layer,
  tests) can branch on a stable kind instead of parsing messages.

KINDS:
  not_found           user or reward id does not resolve
  reward_unavailable  reward is inactive
  out_of_stock        stock tracked and exhausted
  insufficient_points balance < cost (carries required / available)
  invalid_input       malformed ids or provisioning data
  conflict            uniqueness violation (e.g. duplicate email)
  internal            storage or unexpected failure

USAGE:
  if errors.Is(err, ledger.ErrOutOfStock) { ... }

  var ipe *ledger.InsufficientPointsError
  if errors.As(err, &ipe) {
      fmt.Println(ipe.Required, ipe.Available)
  }

  switch ledger.KindOf(err) { ... }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrRewardUnavailable  = errors.New("reward is not available")
	ErrOutOfStock         = errors.New("reward is out of stock")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal error")

	// ErrLockOrder is returned when a transaction tries to lock a user row
	// after it already holds a reward row.
	ErrLockOrder = errors.New("row lock acquired out of order")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string // "user" or "reward"
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func UserNotFound(id UserID) error     { return &NotFoundError{Entity: "user", ID: int64(id)} }
func RewardNotFound(id RewardID) error { return &NotFoundError{Entity: "reward", ID: int64(id)} }

// InsufficientPointsError carries the values a client needs to explain the
// rejection ("requires 500, you have 100").
type InsufficientPointsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points. Required: %d, Available: %d", e.Required, e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// InternalError wraps a storage or unexpected failure. The cause stays
// reachable through errors.Is / errors.As.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + ErrInternal.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

// Internal wraps err as an InternalError unless it already is one.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }
func (e *invalidError) Unwrap() error { return ErrInvalidInput }

func invalid(msg string) error { return &invalidError{msg: msg} }

// Invalid builds an ErrInvalidInput error with a client-facing message.
func Invalid(format string, args ...any) error {
	return invalid(fmt.Sprintf(format, args...))
}

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }
func (e *conflictError) Unwrap() error { return ErrConflict }

// Conflict builds an ErrConflict error, e.g. for a duplicate email.
func Conflict(format string, args ...any) error {
	return &conflictError{msg: fmt.Sprintf(format, args...)}
}

// =============================================================================
// KINDS - Stable outcome codes
// =============================================================================

type Kind string

const (
	KindNone               Kind = ""
	KindNotFound           Kind = "not_found"
	KindRewardUnavailable  Kind = "reward_unavailable"
	KindOutOfStock         Kind = "out_of_stock"
	KindInsufficientPoints Kind = "insufficient_points"
	KindInvalidInput       Kind = "invalid_input"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// KindOf classifies err. Anything unrecognised is internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRewardUnavailable):
		return KindRewardUnavailable
	case errors.Is(err, ErrOutOfStock):
		return KindOutOfStock
	case errors.Is(err, ErrInsufficientPoints):
		return KindInsufficientPoints
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsRejection reports whether err is a business-rule rejection detected
// before any write, as opposed to a failure.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindRewardUnavailable, KindOutOfStock, KindInsufficientPoints:
		return true
	}
	return false
}
