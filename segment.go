package virtblk

import "encoding/binary"

// DiscardWriteZeroes is one segment of a discard or write zeroes payload.
//
// Wire layout, little endian, no padding:
//
//	0:  sector      uint64
//	8:  num_sectors uint32
//	12: flags       uint32
type DiscardWriteZeroes struct {
	Sector     uint64
	NumSectors uint32
	Flags      uint32
}

const (
	// SegmentSize is the encoded size of a DiscardWriteZeroes segment.
	SegmentSize = 16

	// SegmentUnmap asks for the range to be deallocated. Only valid for
	// write zeroes; every other bit is reserved.
	SegmentUnmap = uint32(1)
)

// DecodeSegment reads a segment from the first SegmentSize bytes of b.
func DecodeSegment(b []byte) DiscardWriteZeroes {
	_ = b[SegmentSize-1]

	return DiscardWriteZeroes{
		Sector:     binary.LittleEndian.Uint64(b[0:]),
		NumSectors: binary.LittleEndian.Uint32(b[8:]),
		Flags:      binary.LittleEndian.Uint32(b[12:]),
	}
}

// Encode writes the segment into the first SegmentSize bytes of b.
func (s DiscardWriteZeroes) Encode(b []byte) {
	_ = b[SegmentSize-1]

	binary.LittleEndian.PutUint64(b[0:], s.Sector)
	binary.LittleEndian.PutUint32(b[8:], s.NumSectors)
	binary.LittleEndian.PutUint32(b[12:], s.Flags)
}

func readSegment(mem GuestMemory, addr GuestAddress) (DiscardWriteZeroes, error) {
	var buf [SegmentSize]byte

	if err := mem.ReadAt(buf[:], addr); err != nil {
		return DiscardWriteZeroes{}, err
	}

	return DecodeSegment(buf[:]), nil
}
