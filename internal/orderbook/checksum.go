package orderbook

import (
	"hash/crc32"
	"strings"
)

// okxChecksumDepth is the number of levels per side OKX covers with its checksum.
const okxChecksumDepth = 25

// OKXChecksum computes the CRC32 the OKX books channel expects: the top 25
// bids and asks interleaved as "px:sz" fields joined by ":", hashed with the
// IEEE polynomial and compared as a signed 32-bit value.
func OKXChecksum(bids, asks []Level) int32 {
	parts := make([]string, 0, okxChecksumDepth*4)
	for i := 0; i < okxChecksumDepth; i++ {
		if i < len(bids) {
			parts = append(parts, bids[i].Price.String(), bids[i].Quantity.String())
		}
		if i < len(asks) {
			parts = append(parts, asks[i].Price.String(), asks[i].Quantity.String())
		}
	}
	return int32(crc32.ChecksumIEEE([]byte(strings.Join(parts, ":"))))
}
