package virtblk

import "fmt"

// RequestType is the request type code from the virtio-blk request header.
// Codes without a dedicated constant below are unsupported and are reported
// back verbatim.
type RequestType uint32

const (
	RequestIn          = RequestType(VIRTIO_BLK_T_IN)
	RequestOut         = RequestType(VIRTIO_BLK_T_OUT)
	RequestFlush       = RequestType(VIRTIO_BLK_T_FLUSH)
	RequestDiscard     = RequestType(VIRTIO_BLK_T_DISCARD)
	RequestWriteZeroes = RequestType(VIRTIO_BLK_T_WRITE_ZEROES)
)

// Supported reports whether the executor knows how to carry out t.
func (t RequestType) Supported() bool {
	switch t {
	case RequestIn, RequestOut, RequestFlush, RequestDiscard, RequestWriteZeroes:
		return true
	default:
		return false
	}
}

// Code returns the wire code of t.
func (t RequestType) Code() uint32 {
	return uint32(t)
}

func (t RequestType) String() string {
	switch t {
	case RequestIn:
		return "in"
	case RequestOut:
		return "out"
	case RequestFlush:
		return "flush"
	case RequestDiscard:
		return "discard"
	case RequestWriteZeroes:
		return "write-zeroes"
	default:
		return fmt.Sprintf("unsupported(%d)", uint32(t))
	}
}

// DataRegion is one guest memory buffer of a request payload.
type DataRegion struct {
	Addr GuestAddress
	Len  uint32
}

// Request is a parsed virtio-blk request. The regions have already been
// validated as guest memory ranges by the queue handling code; the sector
// range and protocol rules are checked by the Executor.
type Request struct {
	Type   RequestType
	Sector uint64
	Data   []DataRegion
}

func NewRequest(typ RequestType, data []DataRegion, sector uint64) *Request {
	return &Request{
		Type:   typ,
		Sector: sector,
		Data:   data,
	}
}

// TotalDataLen is the sum of all region lengths.
func (r *Request) TotalDataLen() uint64 {
	var total uint64
	for _, d := range r.Data {
		total += uint64(d.Len)
	}

	return total
}

// RequestTypeFromCode maps a wire code to its RequestType. Unknown codes are
// kept so they can be reported as unsupported.
func RequestTypeFromCode(code uint32) RequestType {
	return RequestType(code)
}
