package virtblk

import (
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Backend is the set of operations a backing store must offer to serve
// requests. Reads and writes go through a single stream cursor positioned
// with Seek; hole punching and zeroing are addressed explicitly and do not
// move the cursor.
type Backend interface {
	io.Reader
	io.Writer
	io.Seeker

	// Sync forces written data to durable storage.
	Sync() error

	// PunchHole deallocates the byte range. It is best effort; callers must
	// not rely on it succeeding.
	PunchHole(off, length uint64) error

	// WriteZeroesAt guarantees that the byte range reads back as zeroes.
	WriteZeroesAt(off, length uint64) error
}

var ErrPunchHoleUnsupported = errors.New("punch hole is not supported on this platform")

// FileBackend serves a plain file, sparse image or block device.
type FileBackend struct {
	f *os.File
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(f *os.File) *FileBackend {
	return &FileBackend{f: f}
}

// OpenFileBackend opens the file at path for use as a backend.
func OpenFileBackend(path string, readOnly bool) (*FileBackend, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening backing file %s", path)
	}

	return &FileBackend{f: f}, nil
}

// CreateImage creates a sparse image file of the given size. It fails if the
// file already exists.
func CreateImage(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating image %s", path)
	}

	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "sizing image %s", path)
	}

	return nil
}

func (b *FileBackend) Name() string {
	return b.f.Name()
}

func (b *FileBackend) Close() error {
	return b.f.Close()
}

func (b *FileBackend) Read(p []byte) (int, error) {
	return b.f.Read(p)
}

func (b *FileBackend) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

func (b *FileBackend) Seek(offset int64, whence int) (int64, error) {
	return b.f.Seek(offset, whence)
}

func (b *FileBackend) Sync() error {
	return errors.Wrap(fdatasync(b.f), "syncing backing file")
}

func checkedRange(off, length uint64) (int64, int64, error) {
	if off > math.MaxInt64 || length > math.MaxInt64-off {
		return 0, 0, errors.Errorf("range %d+%d exceeds file offset limits", off, length)
	}

	return int64(off), int64(length), nil
}

func (b *FileBackend) PunchHole(off, length uint64) error {
	if length == 0 {
		return nil
	}

	o, l, err := checkedRange(off, length)
	if err != nil {
		return err
	}

	return errors.Wrapf(punchHole(b.f, o, l), "punching hole at %d+%d", off, length)
}

// zeroChunk bounds the buffer used when zeroes must be written out.
const zeroChunk = 128 * 1024

var zeroBuf = make([]byte, zeroChunk)

func (b *FileBackend) WriteZeroesAt(off, length uint64) error {
	if length == 0 {
		return nil
	}

	o, l, err := checkedRange(off, length)
	if err != nil {
		return err
	}

	if zeroRange(b.f, o, l) == nil {
		return nil
	}

	for l > 0 {
		n := l
		if n > zeroChunk {
			n = zeroChunk
		}

		if _, err := b.f.WriteAt(zeroBuf[:n], o); err != nil {
			return errors.Wrapf(err, "writing zeroes at %d", o)
		}

		o += n
		l -= n
	}

	return nil
}
