package virtblk

import (
	"io"

	"github.com/pkg/errors"
)

// MemBackend keeps the device contents in memory. The Fail* fields inject
// errors into the matching operation, which makes it a convenient stand-in
// for a real store in tests.
type MemBackend struct {
	data []byte
	pos  int64

	FailSeek        error
	FailSync        error
	FailPunchHole   error
	FailWriteZeroes error

	Syncs      int
	PunchHoles int
}

var _ Backend = (*MemBackend)(nil)

func NewMemBackend(size int) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

// Bytes returns the backing slice, not a copy.
func (m *MemBackend) Bytes() []byte {
	return m.data
}

func (m *MemBackend) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)

	return n, nil
}

func (m *MemBackend) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}

	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)

	return n, nil
}

func (m *MemBackend) Seek(offset int64, whence int) (int64, error) {
	if m.FailSeek != nil {
		return 0, m.FailSeek
	}

	var abs int64

	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}

	if abs < 0 {
		return 0, errors.New("negative position")
	}

	m.pos = abs
	return abs, nil
}

func (m *MemBackend) Sync() error {
	if m.FailSync != nil {
		return m.FailSync
	}

	m.Syncs++
	return nil
}

func (m *MemBackend) zero(off, length uint64) error {
	size := uint64(len(m.data))
	if off >= size {
		return nil
	}

	end := size
	if length < size-off {
		end = off + length
	}

	clear(m.data[off:end])
	return nil
}

func (m *MemBackend) PunchHole(off, length uint64) error {
	if m.FailPunchHole != nil {
		return m.FailPunchHole
	}

	m.PunchHoles++
	return m.zero(off, length)
}

func (m *MemBackend) WriteZeroesAt(off, length uint64) error {
	if m.FailWriteZeroes != nil {
		return m.FailWriteZeroes
	}

	return m.zero(off, length)
}
