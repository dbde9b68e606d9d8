// Package errors defines the machine-readable failure kinds surfaced by the
// market engines. Every failed operation returns an *Error whose Kind callers
// can switch on; errors.Is works against the exported sentinels.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindPhaseViolation
	KindInvalidPayment
	KindDuplicateCommit
	KindOverdraft
	KindInsufficientFunds
	KindNotFound
	KindInvalidArgument
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindUnauthorized:      "Unauthorized",
	KindPhaseViolation:    "PhaseViolation",
	KindInvalidPayment:    "InvalidPayment",
	KindDuplicateCommit:   "DuplicateCommit",
	KindOverdraft:         "Overdraft",
	KindInsufficientFunds: "InsufficientFunds",
	KindNotFound:          "NotFound",
	KindInvalidArgument:   "InvalidArgument",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrPhaseViolation    = &Error{Kind: KindPhaseViolation}
	ErrInvalidPayment    = &Error{Kind: KindInvalidPayment}
	ErrDuplicateCommit   = &Error{Kind: KindDuplicateCommit}
	ErrOverdraft         = &Error{Kind: KindOverdraft}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
)

// Error is a classified failure. Op names the module operation ("escrow.release").
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return e.Kind.String()
	}
}

// Is matches any *Error with the same kind so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, returning KindUnknown when err carries
// no classification.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
