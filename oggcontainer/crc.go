// Package oggcontainer implements an OGG page framer: page header parse and
// build, segment-table lacing across page boundaries, and the page CRC-32.
package oggcontainer

// crc32OGG computes the OGG page CRC: polynomial 0x04C11DB7, initial value
// 0, MSB-first, no input/output reflection, no final XOR, computed over the
// whole page with its own CRC field (bytes 22-25) treated as zero. This is
// the same non-reflected polynomial MPEG-TS PSI sections use but with a
// different initial value, so it is not shared code with mpegts.crc32MPEG2:
// hash/crc32's IEEE/Castagnoli tables are both bit-reflected and cannot
// express either variant.
func crc32OGG(data []byte) uint32 {
	crc := uint32(0)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}
