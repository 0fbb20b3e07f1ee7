package escrow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a transition was rejected.
type ErrorKind string

const (
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindInvalidAmount       ErrorKind = "INVALID_AMOUNT"
	KindInvalidDeadline     ErrorKind = "INVALID_DEADLINE"
	KindAlreadyExists       ErrorKind = "ALREADY_EXISTS"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindAlreadyFinalized    ErrorKind = "ALREADY_FINALIZED"
	KindExpired             ErrorKind = "EXPIRED"
	KindNotYetExpired       ErrorKind = "NOT_YET_EXPIRED"
	KindBadPreimage         ErrorKind = "BAD_PREIMAGE"
	KindTokenTransferFailed ErrorKind = "TOKEN_TRANSFER_FAILED"
)

// ABCI result codes. 0 is success, 1 is reserved for malformed transactions.
var kindCodes = map[ErrorKind]uint32{
	KindUnauthorized:        10,
	KindInvalidAmount:       11,
	KindInvalidDeadline:     12,
	KindAlreadyExists:       13,
	KindNotFound:            14,
	KindAlreadyFinalized:    15,
	KindExpired:             16,
	KindNotYetExpired:       17,
	KindBadPreimage:         18,
	KindTokenTransferFailed: 19,
}

// Code returns the ABCI result code for the kind.
func (k ErrorKind) Code() uint32 { return kindCodes[k] }

// KindFromCode is the inverse of ErrorKind.Code.
func KindFromCode(code uint32) (ErrorKind, bool) {
	for k, c := range kindCodes {
		if c == code {
			return k, true
		}
	}
	return "", false
}

// Error is a rejected transition. Msg never carries preimages or balances.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrExpired) works
// regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrInvalidDeadline     = &Error{Kind: KindInvalidDeadline}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyFinalized    = &Error{Kind: KindAlreadyFinalized}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrNotYetExpired       = &Error{Kind: KindNotYetExpired}
	ErrBadPreimage         = &Error{Kind: KindBadPreimage}
	ErrTokenTransferFailed = &Error{Kind: KindTokenTransferFailed}
)

func newErr(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf extracts the kind of an escrow error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
