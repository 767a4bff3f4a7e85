package virtblk

// Sector geometry. The device does not negotiate VIRTIO_BLK_F_BLK_SIZE, so
// the logical block size is always 512 bytes.
const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

// Feature bit positions, see virtio 1.1 section 5.2.3.
const (
	VIRTIO_BLK_F_SIZE_MAX     = 1
	VIRTIO_BLK_F_SEG_MAX      = 2
	VIRTIO_BLK_F_GEOMETRY     = 4
	VIRTIO_BLK_F_RO           = 5
	VIRTIO_BLK_F_BLK_SIZE     = 6
	VIRTIO_BLK_F_FLUSH        = 9
	VIRTIO_BLK_F_TOPOLOGY     = 10
	VIRTIO_BLK_F_CONFIG_WCE   = 11
	VIRTIO_BLK_F_DISCARD      = 13
	VIRTIO_BLK_F_WRITE_ZEROES = 14
)

// Request type codes carried in the request header.
const (
	VIRTIO_BLK_T_IN           = uint32(0)
	VIRTIO_BLK_T_OUT          = uint32(1)
	VIRTIO_BLK_T_FLUSH        = uint32(4)
	VIRTIO_BLK_T_GET_ID       = uint32(8)
	VIRTIO_BLK_T_DISCARD      = uint32(11)
	VIRTIO_BLK_T_WRITE_ZEROES = uint32(13)
)

// Status values written back to the guest.
const (
	VIRTIO_BLK_S_OK     = uint8(0)
	VIRTIO_BLK_S_IOERR  = uint8(1)
	VIRTIO_BLK_S_UNSUPP = uint8(2)
)

// FeatureMask returns the bitmask with the given feature bits set.
func FeatureMask(bits ...uint) uint64 {
	var mask uint64
	for _, b := range bits {
		if b < 64 {
			mask |= 1 << b
		}
	}

	return mask
}
