package nbd

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md

const (
	NEGOTIATION_MAGIC_OLDSTYLE = uint64(0x4e42444d41474943)
	NEGOTIATION_MAGIC_OPTION   = uint64(0x49484156454F5054)
	NEGOTIATION_MAGIC_REPLY    = uint64(0x3e889045565a9)

	NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)

	NEGOTIATION_ID_OPTION_ABORT = uint32(2)
	NEGOTIATION_ID_OPTION_LIST  = uint32(3)
	NEGOTIATION_ID_OPTION_INFO  = uint32(6)
	NEGOTIATION_ID_OPTION_GO    = uint32(7)

	NEGOTIATION_TYPE_REPLY_ACK             = uint32(1)
	NEGOTIATION_TYPE_REPLY_SERVER          = uint32(2)
	NEGOTIATION_TYPE_REPLY_INFO            = uint32(3)
	NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED = uint32(1 | 1<<31)
	NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN     = uint32(6 | 1<<31)

	NEGOTIATION_TYPE_INFO_EXPORT      = uint16(0)
	NEGOTIATION_TYPE_INFO_NAME        = uint16(1)
	NEGOTIATION_TYPE_INFO_DESCRIPTION = uint16(2)
	NEGOTIATION_TYPE_INFO_BLOCKSIZE   = uint16(3)
)

// Transmission flags sent with the export info.
const (
	NEGOTIATION_REPLY_FLAGS_HAS_FLAGS = uint16(1 << 0)

	NEGO_FLAG_READONLY          = uint16(1 << 1)
	NEGO_FLAG_SEND_FLUSH        = uint16(1 << 2)
	NEGO_FLAG_SEND_FUA          = uint16(1 << 3)
	NEGO_FLAG_ROTATIONAL        = uint16(1 << 4)
	NEGO_FLAG_SEND_TRIM         = uint16(1 << 5)
	NEGO_FLAG_SEND_WRITE_ZEROES = uint16(1 << 6)
)

type newstyleHeader struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

type optionHeader struct {
	OptionMagic uint64
	ID          uint32
	Length      uint32
}

type optionReplyHeader struct {
	ReplyMagic uint64
	ID         uint32
	Type       uint32
	Length     uint32
}

type exportInfo struct {
	Type              uint16
	Size              uint64
	TransmissionFlags uint16
}

type blockSizeInfo struct {
	Type               uint16
	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32
}
