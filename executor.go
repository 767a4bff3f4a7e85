package virtblk

import (
	"io"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Executor carries out virtio-blk requests against a Backend.
//
// An Executor holds the only handle to its backend and moves a single stream
// cursor through it, so at most one Execute call may run at a time. Callers
// serving several queues must provide their own mutual exclusion.
type Executor struct {
	log hclog.Logger

	backend Backend

	// numSectors is captured at construction and never refreshed, even if
	// the backend is resized underneath us.
	numSectors uint64
	features   uint64
}

// NewExecutor wraps b. features is the bitmask negotiated with the driver;
// it is stored as is and only consulted per request.
func NewExecutor(log hclog.Logger, b Backend, features uint64) (*Executor, error) {
	log = log.Named("executor")

	size, err := b.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, wrapError(KindSeek, err)
	}

	// Without VIRTIO_BLK_F_BLK_SIZE the guest addresses 512 byte sectors
	// only, so a trailing partial sector is unreachable.
	if size%SectorSize != 0 {
		log.Warn("disk size is not a multiple of sector size; the remainder will not be visible to the guest",
			"size", size, "sector-size", SectorSize)
	}

	e := &Executor{
		log:        log,
		backend:    b,
		numSectors: uint64(size) >> SectorShift,
		features:   features,
	}

	log.Debug("executor ready", "sectors", e.numSectors, "features", features)

	return e, nil
}

// NumSectors is the number of addressable sectors.
func (e *Executor) NumSectors() uint64 {
	return e.numSectors
}

func (e *Executor) Features() uint64 {
	return e.features
}

func (e *Executor) HasFeature(bit uint) bool {
	return bit < 64 && e.features&(1<<bit) != 0
}

func sectorOffset(sector uint64) (uint64, bool) {
	// The offset must also fit a signed seek position.
	if sector > math.MaxInt64>>SectorShift {
		return 0, false
	}

	return sector << SectorShift, true
}

func (e *Executor) checkAccess(sectors, sector uint64) error {
	if sectors > math.MaxUint64-sector {
		return newError(KindInvalidAccess)
	}

	if sector+sectors > e.numSectors {
		return newError(KindInvalidAccess)
	}

	return nil
}

func (e *Executor) checkRequest(t RequestType) error {
	if e.HasFeature(VIRTIO_BLK_F_RO) && t != RequestIn {
		return newError(KindReadOnly)
	}

	switch t {
	case RequestFlush:
		if !e.HasFeature(VIRTIO_BLK_F_FLUSH) {
			return unsupported(VIRTIO_BLK_T_FLUSH)
		}
	case RequestDiscard:
		if !e.HasFeature(VIRTIO_BLK_F_DISCARD) {
			return unsupported(VIRTIO_BLK_T_DISCARD)
		}
	case RequestWriteZeroes:
		if !e.HasFeature(VIRTIO_BLK_F_WRITE_ZEROES) {
			return unsupported(VIRTIO_BLK_T_WRITE_ZEROES)
		}
	}

	return nil
}

// Execute carries out req, moving data between mem and the backend. It
// returns the number of bytes written into guest memory, which is only
// non-zero for reads.
func (e *Executor) Execute(mem GuestMemory, req *Request) (uint32, error) {
	start := time.Now()

	n, err := e.execute(mem, req)

	label := typeLabel(req.Type)
	requestsTotal.WithLabelValues(label).Inc()
	requestLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		requestErrors.WithLabelValues(label, KindOf(err).String()).Inc()

		if e.log.IsTrace() {
			e.log.Trace("request failed", "type", req.Type, "sector", req.Sector, "error", err)
		}
	}

	return n, err
}

func (e *Executor) execute(mem GuestMemory, req *Request) (uint32, error) {
	offset, ok := sectorOffset(req.Sector)
	if !ok {
		return 0, newError(KindInvalidAccess)
	}

	// Seeking is harmless for the request types that don't use the cursor,
	// so it is done unconditionally.
	if _, err := e.backend.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, wrapError(KindSeek, err)
	}

	if err := e.checkRequest(req.Type); err != nil {
		return 0, err
	}

	totalLen := req.TotalDataLen()

	if (req.Type == RequestIn || req.Type == RequestOut) && totalLen%SectorSize != 0 {
		return 0, newError(KindInvalidDataLength)
	}

	e.log.Trace("executing request",
		"type", req.Type, "sector", req.Sector,
		"regions", len(req.Data), "len", totalLen)

	switch req.Type {
	case RequestIn:
		if err := e.checkAccess(totalLen/SectorSize, req.Sector); err != nil {
			return 0, err
		}

		// The byte count is reported back in a 32bit used ring entry.
		if totalLen > math.MaxUint32 {
			return 0, newError(KindInvalidDataLength)
		}

		var bytesFromDev uint32
		for _, d := range req.Data {
			if err := mem.ReadExactFrom(d.Addr, e.backend, int(d.Len)); err != nil {
				return 0, wrapError(KindRead, err)
			}

			bytesFromDev += d.Len
			bytesRead.Add(float64(d.Len))
		}

		return bytesFromDev, nil
	case RequestOut:
		if err := e.checkAccess(totalLen/SectorSize, req.Sector); err != nil {
			return 0, err
		}

		for _, d := range req.Data {
			if err := mem.WriteAllTo(d.Addr, e.backend, int(d.Len)); err != nil {
				return 0, wrapError(KindWrite, err)
			}

			bytesWritten.Add(float64(d.Len))
		}

		return 0, nil
	case RequestFlush:
		if err := e.backend.Sync(); err != nil {
			return 0, wrapError(KindFlush, err)
		}

		return 0, nil
	case RequestDiscard, RequestWriteZeroes:
		for _, d := range req.Data {
			// Each region must hold whole segments. The protocol only
			// requires this of the total length, so a segment split
			// across two regions is rejected here.
			if d.Len%SegmentSize != 0 {
				return 0, newError(KindInvalidDataLength)
			}

			addr := d.Addr

			for left := d.Len; left >= SegmentSize; left -= SegmentSize {
				seg, err := readSegment(mem, addr)
				if err != nil {
					return 0, wrapError(KindGuestMemory, err)
				}

				if err := e.handleDiscardWriteZeroes(seg, req.Type); err != nil {
					return 0, err
				}

				// The region was validated as guest memory when the
				// request was parsed, so this cannot wrap.
				addr += SegmentSize
			}
		}

		return 0, nil
	default:
		return 0, unsupported(req.Type.Code())
	}
}

func (e *Executor) handleDiscardWriteZeroes(seg DiscardWriteZeroes, t RequestType) error {
	// The unmap bit is only meaningful for write zeroes; every other bit
	// is reserved for both request types.
	var validFlags uint32
	if t == RequestWriteZeroes {
		validFlags = SegmentUnmap
	}

	if seg.Flags&^validFlags != 0 {
		return newError(KindInvalidFlags)
	}

	offset, ok := sectorOffset(seg.Sector)
	if !ok {
		return newError(KindInvalidAccess)
	}

	length := uint64(seg.NumSectors) << SectorShift

	if err := e.checkAccess(uint64(seg.NumSectors), seg.Sector); err != nil {
		return err
	}

	if t == RequestDiscard {
		sectorsDiscarded.Add(float64(seg.NumSectors))

		// Discard is only a hint and not every store can deallocate.
		if err := e.backend.PunchHole(offset, length); err != nil {
			punchHoleFailures.Inc()
			e.log.Trace("ignoring punch hole failure for discard", "offset", offset, "length", length, "error", err)
		}

		return nil
	}

	sectorsZeroed.Add(float64(seg.NumSectors))

	// The range must read back as zeroes whatever the unmap bit says, so
	// fall back to writing zeroes when the hole can't be punched.
	if seg.Flags&SegmentUnmap != 0 {
		err := e.backend.PunchHole(offset, length)
		if err == nil {
			return nil
		}

		punchHoleFailures.Inc()
		e.log.Trace("punch hole failed, writing zeroes", "offset", offset, "length", length, "error", err)
	}

	if err := e.backend.WriteZeroesAt(offset, length); err != nil {
		return wrapError(KindDiscardWriteZeroes, err)
	}

	return nil
}
