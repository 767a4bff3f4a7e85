package virtblk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequest(t *testing.T) {
	t.Run("maps wire codes", func(t *testing.T) {
		r := require.New(t)

		r.Equal(RequestIn, RequestTypeFromCode(0))
		r.Equal(RequestOut, RequestTypeFromCode(1))
		r.Equal(RequestFlush, RequestTypeFromCode(4))
		r.Equal(RequestDiscard, RequestTypeFromCode(11))
		r.Equal(RequestWriteZeroes, RequestTypeFromCode(13))

		get := RequestTypeFromCode(VIRTIO_BLK_T_GET_ID)
		r.False(get.Supported())
		r.Equal(uint32(8), get.Code())
		r.Equal("unsupported(8)", get.String())
		r.Equal("write-zeroes", RequestWriteZeroes.String())
	})

	t.Run("sums region lengths", func(t *testing.T) {
		r := require.New(t)

		req := NewRequest(RequestIn, []DataRegion{
			{Addr: 0, Len: 0xFFFF_FFFF},
			{Addr: 0, Len: 0xFFFF_FFFF},
		}, 0)

		r.Equal(uint64(0x1_FFFF_FFFE), req.TotalDataLen())
		r.Equal(uint64(0), NewRequest(RequestFlush, nil, 0).TotalDataLen())
	})

	t.Run("builds feature masks", func(t *testing.T) {
		r := require.New(t)

		r.Equal(uint64(1<<5|1<<9), FeatureMask(VIRTIO_BLK_F_RO, VIRTIO_BLK_F_FLUSH))
	})
}
