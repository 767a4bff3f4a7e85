package virtblk

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type shortWriter struct {
	max int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		return w.max, errors.New("short write")
	}

	w.max -= len(p)
	return len(p), nil
}

func TestMmapMemory(t *testing.T) {
	t.Run("rejects bad ranges", func(t *testing.T) {
		r := require.New(t)

		_, err := NewMmapMemory(MemoryRange{Start: 0, Size: 0})
		r.Error(err)

		_, err = NewMmapMemory(
			MemoryRange{Start: 0x1000, Size: 0x1000},
			MemoryRange{Start: 0x1800, Size: 0x1000},
		)
		r.Error(err)

		_, err = NewMmapMemory(MemoryRange{Start: GuestAddress(^uint64(0) - 0x10), Size: 0x1000})
		r.Error(err)
	})

	t.Run("copies within a region", func(t *testing.T) {
		r := require.New(t)

		m, err := NewMmapMemory(MemoryRange{Start: 0x1000, Size: 0x1000})
		r.NoError(err)
		defer m.Close()

		r.NoError(m.WriteAt([]byte("hello"), 0x1100))

		buf := make([]byte, 5)
		r.NoError(m.ReadAt(buf, 0x1100))
		r.Equal("hello", string(buf))
	})

	t.Run("reports addresses outside every region", func(t *testing.T) {
		r := require.New(t)

		m, err := NewMmapMemory(MemoryRange{Start: 0x1000, Size: 0x1000})
		r.NoError(err)
		defer m.Close()

		for _, addr := range []GuestAddress{0, 0xFFF, 0x2000} {
			err = m.ReadAt(make([]byte, 4), addr)

			var ia *InvalidGuestAddressError
			r.ErrorAs(err, &ia)
			r.Equal(addr, ia.Addr)
		}
	})

	t.Run("spans adjacent regions", func(t *testing.T) {
		r := require.New(t)

		m, err := NewMmapMemory(
			MemoryRange{Start: 0x2000, Size: 0x1000},
			MemoryRange{Start: 0x1000, Size: 0x1000},
		)
		r.NoError(err)
		defer m.Close()

		data := bytes.Repeat([]byte{0xAB}, 0x20)
		r.NoError(m.WriteAt(data, 0x1FF0))

		buf := make([]byte, 0x20)
		r.NoError(m.ReadAt(buf, 0x1FF0))
		r.Equal(data, buf)
	})

	t.Run("stops at a gap with a partial buffer error", func(t *testing.T) {
		r := require.New(t)

		m, err := NewMmapMemory(
			MemoryRange{Start: 0x1000, Size: 0x1000},
			MemoryRange{Start: 0x3000, Size: 0x1000},
		)
		r.NoError(err)
		defer m.Close()

		err = m.WriteAt(make([]byte, 0x20), 0x1FF0)

		var pb *PartialBufferError
		r.ErrorAs(err, &pb)
		r.Equal(0x20, pb.Expected)
		r.Equal(0x10, pb.Completed)
		r.Equal("only used 16 bytes in 32 long buffer", pb.Error())
	})

	t.Run("fills from a reader", func(t *testing.T) {
		r := require.New(t)

		m, err := NewMmapMemory(MemoryRange{Start: 0, Size: 0x1000})
		r.NoError(err)
		defer m.Close()

		r.NoError(m.ReadExactFrom(0x10, bytes.NewReader([]byte("abcdef")), 6))

		buf := make([]byte, 6)
		r.NoError(m.ReadAt(buf, 0x10))
		r.Equal("abcdef", string(buf))

		err = m.ReadExactFrom(0x10, bytes.NewReader([]byte("ab")), 6)

		var pb *PartialBufferError
		r.ErrorAs(err, &pb)
		r.Equal(6, pb.Expected)
		r.Equal(2, pb.Completed)
	})

	t.Run("drains to a writer", func(t *testing.T) {
		r := require.New(t)

		m, err := NewMmapMemory(MemoryRange{Start: 0, Size: 0x1000})
		r.NoError(err)
		defer m.Close()

		r.NoError(m.WriteAt([]byte("xyz"), 0x20))

		var out bytes.Buffer
		r.NoError(m.WriteAllTo(0x20, &out, 3))
		r.Equal("xyz", out.String())

		err = m.WriteAllTo(0x20, &shortWriter{max: 1}, 3)
		r.ErrorContains(err, "short write")
	})
}
