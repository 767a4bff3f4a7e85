package virtblk

import (
	"math"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/pkg/errors"
)

const (
	DefaultMaxRequestSize = 32 * 1024 * 1024
	DefaultSegmentSlots   = 256

	scratchGap = 4096
)

var ErrUnaligned = errors.New("offset or length is not sector aligned")

// Device drives an Executor with byte addressed operations. Each call is
// turned into one or more requests whose payload lives in a private scratch
// area of guest memory, so the executor sees exactly what a guest driver
// would hand it.
//
// Device is safe for concurrent use; requests are issued one at a time.
type Device struct {
	log  hclog.Logger
	exec *Executor

	mu sync.Mutex

	mem      *MmapMemory
	dataAddr GuestAddress
	segAddr  GuestAddress
	maxData  int
	segSlots int
	segBuf   []byte
}

func NewDevice(log hclog.Logger, exec *Executor, options ...Option) (*Device, error) {
	o := opts{
		maxRequest:   DefaultMaxRequestSize,
		segmentSlots: DefaultSegmentSlots,
		memBase:      0x10000,
	}

	for _, opt := range options {
		opt(&o)
	}

	maxData := o.maxRequest &^ (SectorSize - 1)
	if maxData <= 0 || maxData > math.MaxUint32&^(SectorSize-1) {
		return nil, errors.Errorf("invalid max request size %d", o.maxRequest)
	}

	if o.segmentSlots <= 0 || o.segmentSlots > math.MaxUint32/SegmentSize {
		return nil, errors.Errorf("invalid segment slot count %d", o.segmentSlots)
	}

	segBytes := o.segmentSlots * SegmentSize

	dataAddr := o.memBase
	segAddr := dataAddr + GuestAddress(maxData) + scratchGap

	mem, err := NewMmapMemory(
		MemoryRange{Start: dataAddr, Size: uint64(maxData)},
		MemoryRange{Start: segAddr, Size: uint64(segBytes)},
	)
	if err != nil {
		return nil, err
	}

	d := &Device{
		log:      log.Named("device"),
		exec:     exec,
		mem:      mem,
		dataAddr: dataAddr,
		segAddr:  segAddr,
		maxData:  maxData,
		segSlots: o.segmentSlots,
		segBuf:   make([]byte, segBytes),
	}

	return d, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mem.Close()
}

// Size is the size of the device in bytes as seen by the guest.
func (d *Device) Size() int64 {
	return int64(d.exec.NumSectors() << SectorShift)
}

// MaxRequestSize is the largest payload issued in one request.
func (d *Device) MaxRequestSize() int {
	return d.maxData
}

func checkAligned(off, size int64) error {
	if off < 0 || size < 0 || off%SectorSize != 0 || size%SectorSize != 0 {
		return ErrUnaligned
	}

	return nil
}

func (d *Device) ReadAt(b []byte, off int64) (int, error) {
	if err := checkAligned(off, int64(len(b))); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var done int
	for done < len(b) {
		n := min(len(b)-done, d.maxData)
		sector := uint64(off+int64(done)) >> SectorShift

		req := NewRequest(RequestIn, []DataRegion{{Addr: d.dataAddr, Len: uint32(n)}}, sector)

		if _, err := d.exec.Execute(d.mem, req); err != nil {
			return done, err
		}

		if err := d.mem.ReadAt(b[done:done+n], d.dataAddr); err != nil {
			return done, err
		}

		done += n
	}

	if mode.Debug() {
		logSectors(d.log, "read sector sums", uint64(off)>>SectorShift, b)
	}

	return done, nil
}

func (d *Device) WriteAt(b []byte, off int64) (int, error) {
	if err := checkAligned(off, int64(len(b))); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if mode.Debug() {
		logSectors(d.log, "write sector sums", uint64(off)>>SectorShift, b)
	}

	var done int
	for done < len(b) {
		n := min(len(b)-done, d.maxData)
		sector := uint64(off+int64(done)) >> SectorShift

		if err := d.mem.WriteAt(b[done:done+n], d.dataAddr); err != nil {
			return done, err
		}

		req := NewRequest(RequestOut, []DataRegion{{Addr: d.dataAddr, Len: uint32(n)}}, sector)

		if _, err := d.exec.Execute(d.mem, req); err != nil {
			return done, err
		}

		done += n
	}

	return done, nil
}

// ZeroAt zeroes the range with write zeroes requests. unmap sets the unmap
// hint on every segment.
func (d *Device) ZeroAt(off, size int64, unmap bool) error {
	var flags uint32
	if unmap {
		flags = SegmentUnmap
	}

	return d.segments(RequestWriteZeroes, off, size, flags)
}

// Trim discards the range.
func (d *Device) Trim(off, size int64) error {
	return d.segments(RequestDiscard, off, size, 0)
}

func (d *Device) segments(typ RequestType, off, size int64, flags uint32) error {
	if err := checkAligned(off, size); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sector := uint64(off) >> SectorShift
	count := uint64(size) >> SectorShift

	d.log.Trace("issuing segments", "type", typ, "sector", sector, "sectors", count)

	for count > 0 {
		var n int

		for n < d.segSlots && count > 0 {
			chunk := min(count, math.MaxUint32)

			DiscardWriteZeroes{
				Sector:     sector,
				NumSectors: uint32(chunk),
				Flags:      flags,
			}.Encode(d.segBuf[n*SegmentSize:])

			sector += chunk
			count -= chunk
			n++
		}

		payload := d.segBuf[:n*SegmentSize]

		if err := d.mem.WriteAt(payload, d.segAddr); err != nil {
			return err
		}

		req := NewRequest(typ, []DataRegion{{Addr: d.segAddr, Len: uint32(len(payload))}}, 0)

		if _, err := d.exec.Execute(d.mem, req); err != nil {
			return err
		}
	}

	return nil
}

// Sync issues a flush request.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.exec.Execute(d.mem, NewRequest(RequestFlush, nil, 0))
	return err
}
