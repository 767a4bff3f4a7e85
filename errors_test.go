package virtblk

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrors(t *testing.T) {
	t.Run("matches sentinels by kind", func(t *testing.T) {
		r := require.New(t)

		err := errors.Wrap(wrapError(KindRead, io.ErrUnexpectedEOF), "serving queue")

		r.ErrorIs(err, ErrRead)
		r.ErrorIs(err, io.ErrUnexpectedEOF)
		r.NotErrorIs(err, ErrWrite)
		r.Equal(KindRead, KindOf(err))
	})

	t.Run("keeps the refused request code", func(t *testing.T) {
		r := require.New(t)

		err := unsupported(42)
		r.ErrorIs(err, ErrUnsupported)
		r.Equal("can't execute unsupported request 42", err.Error())

		code, ok := UnsupportedCode(err)
		r.True(ok)
		r.Equal(uint32(42), code)

		_, ok = UnsupportedCode(ErrReadOnly)
		r.False(ok)
	})

	t.Run("formats causes into messages", func(t *testing.T) {
		r := require.New(t)

		r.Equal("flush execution failed: boom", wrapError(KindFlush, errors.New("boom")).Error())
		r.Equal("invalid file access", ErrInvalidAccess.Error())
		r.Equal("invalid data length of request", ErrInvalidDataLength.Error())
		r.Equal("read-only", KindReadOnly.String())
		r.Equal("kind(99)", ErrorKind(99).String())
	})

	t.Run("maps results to status bytes", func(t *testing.T) {
		r := require.New(t)

		r.Equal(uint8(VIRTIO_BLK_S_OK), Status(nil))
		r.Equal(uint8(VIRTIO_BLK_S_UNSUPP), Status(unsupported(8)))
		r.Equal(uint8(VIRTIO_BLK_S_UNSUPP), Status(ErrInvalidFlags))
		r.Equal(uint8(VIRTIO_BLK_S_IOERR), Status(ErrReadOnly))
		r.Equal(uint8(VIRTIO_BLK_S_IOERR), Status(ErrInvalidAccess))
		r.Equal(uint8(VIRTIO_BLK_S_IOERR), Status(errors.New("anything else")))
	})
}
