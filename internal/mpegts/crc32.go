package mpegts

// MPEG-2 CRC32 with polynomial 0x04C11DB7, as appended to PSI sections.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC over data. Exposed for code that builds
// PSI sections.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section whose last four bytes are its CRC32; the
// CRC over the whole section including the stored value is zero.
func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return ErrShortSection
	}
	if CRC32(data) != 0 {
		return ErrCRCMismatch
	}
	return nil
}
