package virtblk

import (
	"bytes"
	"testing"

	"github.com/lab47/virtblk/pkg/nbd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func nbdCode(t *testing.T, err error) uint32 {
	t.Helper()

	var ne *nbd.Error
	require.ErrorAs(t, err, &ne)

	return ne.Code
}

func TestNBD(t *testing.T) {
	all := FeatureMask(VIRTIO_BLK_F_FLUSH, VIRTIO_BLK_F_DISCARD, VIRTIO_BLK_F_WRITE_ZEROES)

	t.Run("serves the device", func(t *testing.T) {
		r := require.New(t)

		b := NewMemBackend(8192)
		d := testDevice(t, b, all)

		w := NBDWrapper(testLogger(), d)

		sz, err := w.Size()
		r.NoError(err)
		r.Equal(int64(8192), sz)

		data := bytes.Repeat([]byte{0x42}, 1024)

		n, err := w.WriteAt(data, 1024)
		r.NoError(err)
		r.Equal(1024, n)

		got := make([]byte, 1024)
		n, err = w.ReadAt(got, 1024)
		r.NoError(err)
		r.Equal(1024, n)
		r.Equal(data, got)

		r.NoError(w.ZeroAt(1024, 512, true))
		r.NoError(w.Trim(1536, 512))
		r.NoError(w.Sync())

		r.Equal(make([]byte, 1024), b.Bytes()[1024:2048])
		r.Equal(1, b.Syncs)
	})

	t.Run("maps errors to nbd codes", func(t *testing.T) {
		r := require.New(t)

		w := NBDWrapper(testLogger(), testDevice(t, NewMemBackend(4096), 0))

		_, err := w.ReadAt(make([]byte, 100), 0)
		r.Equal(nbd.TRANSMISSION_ERROR_EINVAL, nbdCode(t, err))
		r.ErrorIs(err, ErrUnaligned)

		_, err = w.ReadAt(make([]byte, 512), 4096)
		r.Equal(nbd.TRANSMISSION_ERROR_EINVAL, nbdCode(t, err))

		r.Equal(nbd.TRANSMISSION_ERROR_ENOTSUP, nbdCode(t, w.Sync()))
		r.Equal(nbd.TRANSMISSION_ERROR_ENOTSUP, nbdCode(t, w.Trim(0, 512)))
		r.Equal(nbd.TRANSMISSION_ERROR_ENOTSUP, nbdCode(t, w.ZeroAt(0, 512, false)))

		w = NBDWrapper(testLogger(), testDevice(t, NewMemBackend(4096), FeatureMask(VIRTIO_BLK_F_RO)))

		_, err = w.WriteAt(make([]byte, 512), 0)
		r.Equal(nbd.TRANSMISSION_ERROR_EPERM, nbdCode(t, err))

		b := NewMemBackend(4096)
		b.FailSync = errors.New("gone")

		w = NBDWrapper(testLogger(), testDevice(t, b, all))
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, nbdCode(t, w.Sync()))
	})

	t.Run("leaves success alone", func(t *testing.T) {
		r := require.New(t)

		r.NoError(nbdError(nil))
		r.Equal(nbd.TRANSMISSION_ERROR_EINVAL, nbdCode(t, nbdError(ErrInvalidFlags)))
		r.Equal(nbd.TRANSMISSION_ERROR_EINVAL, nbdCode(t, nbdError(ErrInvalidDataLength)))
		r.Equal(nbd.TRANSMISSION_ERROR_EIO, nbdCode(t, nbdError(ErrGuestMemory)))
	})
}
