package nbd

const (
	TRANSMISSION_MAGIC_REQUEST = uint32(0x25609513)
	TRANSMISSION_MAGIC_REPLY   = uint32(0x67446698)

	TRANSMISSION_TYPE_REQUEST_READ   = uint16(0)
	TRANSMISSION_TYPE_REQUEST_WRITE  = uint16(1)
	TRANSMISSION_TYPE_REQUEST_DISC   = uint16(2)
	TRANSMISSION_TYPE_REQUEST_FLUSH  = uint16(3)
	TRANSMISSION_TYPE_REQUEST_TRIM   = uint16(4)
	TRANSMISSION_TYPE_REQUEST_WRITEZ = uint16(6)

	TRANSMISSION_FLAG_NO_HOLE = uint16(1 << 1)
)

// Error codes carried in simple replies.
const (
	TRANSMISSION_ERROR_EPERM   = uint32(1)
	TRANSMISSION_ERROR_EIO     = uint32(5)
	TRANSMISSION_ERROR_EINVAL  = uint32(22)
	TRANSMISSION_ERROR_ENOTSUP = uint32(95)
)

type requestHeader struct {
	RequestMagic uint32
	CommandFlags uint16
	Type         uint16
	Handle       uint64
	Offset       uint64
	Length       uint32
}

type simpleReply struct {
	ReplyMagic uint32
	Error      uint32
	Handle     uint64
}
