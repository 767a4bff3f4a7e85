package virtblk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	t.Run("uses the little endian wire layout", func(t *testing.T) {
		r := require.New(t)

		buf := make([]byte, SegmentSize)

		DiscardWriteZeroes{
			Sector:     0x0102030405060708,
			NumSectors: 0x0A0B0C0D,
			Flags:      SegmentUnmap,
		}.Encode(buf)

		r.Equal([]byte{
			0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
			0x0D, 0x0C, 0x0B, 0x0A,
			0x01, 0x00, 0x00, 0x00,
		}, buf)

		seg := DecodeSegment(buf)
		r.Equal(uint64(0x0102030405060708), seg.Sector)
		r.Equal(uint32(0x0A0B0C0D), seg.NumSectors)
		r.Equal(SegmentUnmap, seg.Flags)
	})

	t.Run("reads segments from guest memory", func(t *testing.T) {
		r := require.New(t)

		mem, err := NewMmapMemory(MemoryRange{Start: 0x1000, Size: 0x1000})
		r.NoError(err)
		defer mem.Close()

		writeSegment(t, mem, 0x1010, DiscardWriteZeroes{Sector: 9, NumSectors: 3, Flags: 0xA000})

		seg, err := readSegment(mem, 0x1010)
		r.NoError(err)
		r.Equal(DiscardWriteZeroes{Sector: 9, NumSectors: 3, Flags: 0xA000}, seg)

		_, err = readSegment(mem, 0x1FF8)

		var pb *PartialBufferError
		r.ErrorAs(err, &pb)
		r.Equal(8, pb.Completed)
	})
}
