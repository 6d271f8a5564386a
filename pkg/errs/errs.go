// Package errs defines the error kinds shared by the tree, the metadata store,
// the transfer engine and the VFS facade.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure so callers can decide how to react.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindTransport
	KindCorruptMetadata
	KindPartialTransfer
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindTransport:
		return "transport"
	case KindCorruptMetadata:
		return "corrupt metadata"
	case KindPartialTransfer:
		return "partial transfer"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional operation name and cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kinded is implemented by errors that know their own kind.
type Kinded interface {
	ErrorKind() Kind
}

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// New returns a classified error.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps a remote call failure.
func Transport(op string, err error) error {
	return Wrap(KindTransport, op, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// PartialTransferError reports the chunk indices that could not be fetched
// after every retry sweep.
type PartialTransferError struct {
	Failed []int
	Total  int
	Last   error
}

func (e *PartialTransferError) Error() string {
	msg := fmt.Sprintf("partial transfer: %d of %d chunks failed %v", len(e.Failed), e.Total, e.Failed)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *PartialTransferError) Unwrap() error {
	return e.Last
}

// ErrorKind implements Kinded.
func (e *PartialTransferError) ErrorKind() Kind {
	return KindPartialTransfer
}

// NewPartialTransfer builds a PartialTransferError with the indices sorted.
func NewPartialTransfer(failed []int, total int, last error) *PartialTransferError {
	idx := append([]int(nil), failed...)
	sort.Ints(idx)
	return &PartialTransferError{Failed: idx, Total: total, Last: last}
}

// AsPartialTransfer checks if an error is a PartialTransferError.
func AsPartialTransfer(err error) (*PartialTransferError, bool) {
	var pe *PartialTransferError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
