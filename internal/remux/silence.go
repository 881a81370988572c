package remux

// aacSilentFrames holds pre-encoded AAC-LC access units containing only
// silence, indexed by channel configuration 1 through 6. Any sample rate
// accepts them since they carry no rate-dependent data.
var aacSilentFrames = [][]byte{
	1: {0x00, 0xC8, 0x00, 0x80, 0x23, 0x80},
	2: {0x21, 0x00, 0x49, 0x90, 0x02, 0x19, 0x00, 0x23, 0x80},
	3: {0x00, 0xC8, 0x00, 0x80, 0x20, 0x84, 0x01, 0x26, 0x40, 0x08, 0x64, 0x00, 0x8E},
	4: {
		0x00, 0xC8, 0x00, 0x80, 0x20, 0x84, 0x01, 0x26, 0x40, 0x08, 0x64,
		0x00, 0x80, 0x2C, 0x80, 0x08, 0x02, 0x38,
	},
	5: {
		0x00, 0xC8, 0x00, 0x80, 0x20, 0x84, 0x01, 0x26, 0x40, 0x08, 0x64,
		0x00, 0x82, 0x30, 0x04, 0x99, 0x00, 0x21, 0x90, 0x02, 0x38,
	},
	6: {
		0x00, 0xC8, 0x00, 0x80, 0x20, 0x84, 0x01, 0x26, 0x40, 0x08, 0x64,
		0x00, 0x82, 0x30, 0x04, 0x99, 0x00, 0x21, 0x90, 0x02, 0x00, 0xB2,
		0x00, 0x20, 0x08, 0xE0,
	},
}

// SilentFrame returns a silent AAC-LC access unit for the given channel
// configuration, or nil when no frame is available for it.
func SilentFrame(channels int) []byte {
	if channels < 1 || channels >= len(aacSilentFrames) {
		return nil
	}
	return aacSilentFrames[channels]
}
