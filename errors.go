package virtblk

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies request execution failures.
type ErrorKind int

const (
	KindDiscardWriteZeroes ErrorKind = iota + 1
	KindFlush
	KindGuestMemory
	KindInvalidAccess
	KindInvalidFlags
	KindInvalidDataLength
	KindRead
	KindReadOnly
	KindWrite
	KindSeek
	KindUnsupported
)

var kindNames = map[ErrorKind]string{
	KindDiscardWriteZeroes: "discard-write-zeroes",
	KindFlush:              "flush",
	KindGuestMemory:        "guest-memory",
	KindInvalidAccess:      "invalid-access",
	KindInvalidFlags:       "invalid-flags",
	KindInvalidDataLength:  "invalid-data-length",
	KindRead:               "read",
	KindReadOnly:           "read-only",
	KindWrite:              "write",
	KindSeek:               "seek",
	KindUnsupported:        "unsupported",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by Executor for every failed request. Code is only set
// for KindUnsupported and carries the request type code that was refused.
// Err holds the underlying backend or guest memory error, if any.
type Error struct {
	Kind ErrorKind
	Code uint32
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindDiscardWriteZeroes:
		return fmt.Sprintf("discard/write zeroes execution failed: %s", e.Err)
	case KindFlush:
		return fmt.Sprintf("flush execution failed: %s", e.Err)
	case KindGuestMemory:
		return fmt.Sprintf("error accessing guest memory: %s", e.Err)
	case KindInvalidAccess:
		return "invalid file access"
	case KindInvalidDataLength:
		return "invalid data length of request"
	case KindInvalidFlags:
		return "invalid flags for discard/write zeroes request"
	case KindRead:
		return fmt.Sprintf("error during read request execution: %s", e.Err)
	case KindReadOnly:
		return "can't execute an operation other than `read` on a read-only device"
	case KindWrite:
		return fmt.Sprintf("error during write request execution: %s", e.Err)
	case KindSeek:
		return fmt.Sprintf("file seek execution failed: %s", e.Err)
	case KindUnsupported:
		return fmt.Sprintf("can't execute unsupported request %d", e.Code)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, so errors.Is(err, ErrReadOnly) holds for any
// read-only failure regardless of wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// Sentinels for errors.Is. Each matches any *Error of the same kind.
var (
	ErrDiscardWriteZeroes = &Error{Kind: KindDiscardWriteZeroes}
	ErrFlush              = &Error{Kind: KindFlush}
	ErrGuestMemory        = &Error{Kind: KindGuestMemory}
	ErrInvalidAccess      = &Error{Kind: KindInvalidAccess}
	ErrInvalidFlags       = &Error{Kind: KindInvalidFlags}
	ErrInvalidDataLength  = &Error{Kind: KindInvalidDataLength}
	ErrRead               = &Error{Kind: KindRead}
	ErrReadOnly           = &Error{Kind: KindReadOnly}
	ErrWrite              = &Error{Kind: KindWrite}
	ErrSeek               = &Error{Kind: KindSeek}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
)

// newError returns a fresh error of the given kind. The sentinels are never
// returned themselves.
func newError(kind ErrorKind) *Error {
	return &Error{Kind: kind}
}

func wrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func unsupported(code uint32) *Error {
	return &Error{Kind: KindUnsupported, Code: code}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}

// UnsupportedCode returns the refused request code when err is an
// unsupported request failure.
func UnsupportedCode(err error) (uint32, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindUnsupported {
		return e.Code, true
	}

	return 0, false
}

// Status maps the result of Execute to the status byte reported to the
// guest.
func Status(err error) uint8 {
	if err == nil {
		return VIRTIO_BLK_S_OK
	}

	switch KindOf(err) {
	case KindUnsupported, KindInvalidFlags:
		return VIRTIO_BLK_S_UNSUPP
	default:
		return VIRTIO_BLK_S_IOERR
	}
}
