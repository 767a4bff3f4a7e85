package virtblk

import (
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/virtblk/pkg/nbd"
	"github.com/pkg/errors"
)

type nbdWrapper struct {
	log hclog.Logger
	d   *Device
}

var _ nbd.Backend = &nbdWrapper{}

// NBDWrapper exposes d as an NBD export backend.
func NBDWrapper(log hclog.Logger, d *Device) nbd.Backend {
	return &nbdWrapper{log: log.Named("nbd"), d: d}
}

// nbdError attaches the NBD error code matching err.
func nbdError(err error) error {
	if err == nil {
		return nil
	}

	code := nbd.TRANSMISSION_ERROR_EIO

	if errors.Is(err, ErrUnaligned) {
		code = nbd.TRANSMISSION_ERROR_EINVAL
	} else {
		switch KindOf(err) {
		case KindReadOnly:
			code = nbd.TRANSMISSION_ERROR_EPERM
		case KindInvalidAccess, KindInvalidDataLength, KindInvalidFlags:
			code = nbd.TRANSMISSION_ERROR_EINVAL
		case KindUnsupported:
			code = nbd.TRANSMISSION_ERROR_ENOTSUP
		}
	}

	return &nbd.Error{Code: code, Err: err}
}

func (n *nbdWrapper) ReadAt(b []byte, off int64) (int, error) {
	n.log.Trace("nbd read-at", "size", len(b), "offset", off)

	c, err := n.d.ReadAt(b, off)
	if err != nil {
		n.log.Error("nbd read-at error", "error", err, "offset", off)
		return c, nbdError(err)
	}

	return c, nil
}

func (n *nbdWrapper) WriteAt(b []byte, off int64) (int, error) {
	n.log.Trace("nbd write-at", "size", len(b), "offset", off)

	c, err := n.d.WriteAt(b, off)
	if err != nil {
		n.log.Error("nbd write-at error", "error", err, "offset", off)
		return c, nbdError(err)
	}

	return c, nil
}

func (n *nbdWrapper) ZeroAt(off, size int64, unmap bool) error {
	n.log.Trace("nbd zero-at", "size", size, "offset", off, "unmap", unmap)

	err := n.d.ZeroAt(off, size, unmap)
	if err != nil {
		n.log.Error("nbd zero-at error", "error", err, "offset", off)
		return nbdError(err)
	}

	return nil
}

func (n *nbdWrapper) Trim(off, size int64) error {
	n.log.Trace("nbd trim", "size", size, "offset", off)

	err := n.d.Trim(off, size)
	if err != nil {
		n.log.Error("nbd trim error", "error", err, "offset", off)
		return nbdError(err)
	}

	return nil
}

func (n *nbdWrapper) Size() (int64, error) {
	size := n.d.Size()
	n.log.Debug("reporting size to nbd", "size", size)
	return size, nil
}

func (n *nbdWrapper) Sync() error {
	n.log.Trace("nbd sync")

	if err := n.d.Sync(); err != nil {
		n.log.Error("nbd sync error", "error", err)
		return nbdError(err)
	}

	return nil
}
