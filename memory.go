package virtblk

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// GuestAddress is a guest physical address.
type GuestAddress uint64

func (a GuestAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// GuestMemory is the bounds-checked view of guest memory the executor
// transfers through. Implementations are expected to tolerate concurrent
// access from the guest; no extra synchronization is added around calls.
type GuestMemory interface {
	// ReadExactFrom fills count bytes of guest memory at addr from r.
	ReadExactFrom(addr GuestAddress, r io.Reader, count int) error

	// WriteAllTo writes count bytes of guest memory at addr to w.
	WriteAllTo(addr GuestAddress, w io.Writer, count int) error

	// ReadAt copies len(p) bytes of guest memory at addr into p.
	ReadAt(p []byte, addr GuestAddress) error

	// WriteAt copies p into guest memory at addr.
	WriteAt(p []byte, addr GuestAddress) error
}

// InvalidGuestAddressError is returned when an access starts outside of every
// memory region.
type InvalidGuestAddressError struct {
	Addr GuestAddress
}

func (e *InvalidGuestAddressError) Error() string {
	return fmt.Sprintf("invalid guest address %s", e.Addr)
}

// PartialBufferError is returned when only part of an access could be
// completed, either because the range ran off the end of guest memory or the
// other side of the transfer came up short.
type PartialBufferError struct {
	Expected  int
	Completed int
}

func (e *PartialBufferError) Error() string {
	return fmt.Sprintf("only used %d bytes in %d long buffer", e.Completed, e.Expected)
}

// MemoryRange describes one region of guest memory to map.
type MemoryRange struct {
	Start GuestAddress
	Size  uint64
}

type mmapRegion struct {
	start GuestAddress
	data  mmap.MMap
}

func (r *mmapRegion) end() uint64 {
	return uint64(r.start) + uint64(len(r.data))
}

// MmapMemory is guest memory backed by anonymous mappings, one per range.
type MmapMemory struct {
	regions []*mmapRegion
}

var _ GuestMemory = (*MmapMemory)(nil)

// NewMmapMemory maps the given ranges. Ranges must be non-empty and must not
// overlap.
func NewMmapMemory(ranges ...MemoryRange) (*MmapMemory, error) {
	sorted := append([]MemoryRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	m := &MmapMemory{}

	var prevEnd uint64
	for i, rng := range sorted {
		if rng.Size == 0 || rng.Size > math.MaxInt {
			m.Close()
			return nil, errors.Errorf("invalid memory range size %d at %s", rng.Size, rng.Start)
		}

		if uint64(rng.Start) > math.MaxUint64-rng.Size {
			m.Close()
			return nil, errors.Errorf("memory range at %s wraps the address space", rng.Start)
		}

		if i > 0 && uint64(rng.Start) < prevEnd {
			m.Close()
			return nil, errors.Errorf("memory range at %s overlaps previous range", rng.Start)
		}

		data, err := mmap.MapRegion(nil, int(rng.Size), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "mapping guest memory at %s", rng.Start)
		}

		m.regions = append(m.regions, &mmapRegion{start: rng.Start, data: data})
		prevEnd = uint64(rng.Start) + rng.Size
	}

	return m, nil
}

// Close unmaps all regions.
func (m *MmapMemory) Close() error {
	var first error
	for _, r := range m.regions {
		if err := r.data.Unmap(); err != nil && first == nil {
			first = err
		}
	}

	m.regions = nil
	return first
}

func (m *MmapMemory) find(addr GuestAddress) *mmapRegion {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end() > uint64(addr)
	})

	if i < len(m.regions) && m.regions[i].start <= addr {
		return m.regions[i]
	}

	return nil
}

// slices returns the host slices backing [addr, addr+count). It walks across
// regions that are adjacent in guest address space and stops at the first
// gap, so the total length may be less than count.
func (m *MmapMemory) slices(addr GuestAddress, count int) ([][]byte, error) {
	reg := m.find(addr)
	if reg == nil {
		return nil, &InvalidGuestAddressError{Addr: addr}
	}

	var (
		out  [][]byte
		left = count
		cur  = addr
	)

	for left > 0 && reg != nil {
		off := uint64(cur) - uint64(reg.start)
		chunk := reg.data[off:]

		if len(chunk) > left {
			chunk = chunk[:left]
		}

		out = append(out, chunk)
		left -= len(chunk)

		if left == 0 {
			break
		}

		cur = GuestAddress(reg.end())
		reg = m.find(cur)
	}

	return out, nil
}

func (m *MmapMemory) ReadExactFrom(addr GuestAddress, r io.Reader, count int) error {
	if count <= 0 {
		return nil
	}

	parts, err := m.slices(addr, count)
	if err != nil {
		return err
	}

	var completed int
	for _, p := range parts {
		n, err := io.ReadFull(r, p)
		completed += n

		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return errors.Wrapf(err, "reading into guest memory at %s", addr)
		}
	}

	if completed != count {
		return &PartialBufferError{Expected: count, Completed: completed}
	}

	return nil
}

func (m *MmapMemory) WriteAllTo(addr GuestAddress, w io.Writer, count int) error {
	if count <= 0 {
		return nil
	}

	parts, err := m.slices(addr, count)
	if err != nil {
		return err
	}

	var completed int
	for _, p := range parts {
		n, err := w.Write(p)
		completed += n

		if err != nil {
			return errors.Wrapf(err, "writing from guest memory at %s", addr)
		}
	}

	if completed != count {
		return &PartialBufferError{Expected: count, Completed: completed}
	}

	return nil
}

func (m *MmapMemory) ReadAt(p []byte, addr GuestAddress) error {
	if len(p) == 0 {
		return nil
	}

	parts, err := m.slices(addr, len(p))
	if err != nil {
		return err
	}

	var completed int
	for _, part := range parts {
		completed += copy(p[completed:], part)
	}

	if completed != len(p) {
		return &PartialBufferError{Expected: len(p), Completed: completed}
	}

	return nil
}

func (m *MmapMemory) WriteAt(p []byte, addr GuestAddress) error {
	if len(p) == 0 {
		return nil
	}

	parts, err := m.slices(addr, len(p))
	if err != nil {
		return err
	}

	var completed int
	for _, part := range parts {
		completed += copy(part, p[completed:])
	}

	if completed != len(p) {
		return &PartialBufferError{Expected: len(p), Completed: completed}
	}

	return nil
}
