package nbd

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Backend interface {
	io.ReaderAt
	io.WriterAt

	// ZeroAt zeroes the range. When unmap is false the client asked for
	// the range to stay allocated.
	ZeroAt(off, sz int64, unmap bool) error
	Trim(off, sz int64) error

	Size() (int64, error)
	Sync() error
}

// Error lets a backend choose the error code reported to the client for a
// failed request. Any other error is reported as EIO.
type Error struct {
	Code uint32
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("nbd error %d: %s", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorCode(err error) uint32 {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code
	}

	return TRANSMISSION_ERROR_EIO
}
