package virtblk

import (
	"bytes"
	"crypto/sha256"

	"github.com/hashicorp/go-hclog"
	"github.com/mr-tron/base58"
)

var emptySector = make([]byte, SectorSize)

// IsZero reports whether b holds only zero bytes.
func IsZero(b []byte) bool {
	for len(b) > SectorSize {
		if !bytes.Equal(b[:SectorSize], emptySector) {
			return false
		}

		b = b[SectorSize:]
	}

	return bytes.Equal(b, emptySector[:len(b)])
}

func rangeSum(b []byte) string {
	if IsZero(b) {
		return "0"
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}

func logSectors(log hclog.Logger, msg string, sector uint64, data []byte) {
	for len(data) >= SectorSize {
		log.Trace(msg, "sector", sector, "sum", rangeSum(data[:SectorSize]))
		data = data[SectorSize:]
		sector++
	}
}
