package main

import "github.com/zsiec/refract/test/tools/tsutil"

// bannerWords cycle one per segment, each committed as a roll-up line.
var bannerWords = []string{"REFRACT", "SYNTHETIC", "CAPTION", "FEED"}

// captionSEI returns the A/53 SEI for one frame of segment sn, or nil when
// the frame carries no caption data. Each segment transmits one CEA-608
// roll-up line: RU2 on the first frame, two characters per following frame,
// then a carriage return to commit the row.
func captionSEI(sn, frame, segFrames int) []byte {
	word := bannerWords[sn%len(bannerWords)]
	pairs := (len(word) + 1) / 2
	if pairs > segFrames-2 {
		pairs = segFrames - 2 // truncate on very short segments
	}
	switch {
	case pairs < 1:
		return nil
	case frame == 0:
		return a53SEI(0x14, 0x25) // RU2
	case frame <= pairs:
		i := (frame - 1) * 2
		d2 := byte(0)
		if i+1 < len(word) {
			d2 = word[i+1]
		}
		return a53SEI(word[i], d2)
	case frame == pairs+1:
		return a53SEI(0x14, 0x2D) // CR commits the row
	default:
		return nil
	}
}

// a53SEI wraps one CEA-608 field-1 byte pair in an ATSC A/53 caption SEI.
func a53SEI(d1, d2 byte) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03}
	payload = append(payload, 0x40|1, 0xFF)
	payload = append(payload, 0xFC, parity(d1), parity(d2))
	payload = append(payload, 0xFF)
	return tsutil.SEI(4, payload)
}

// parity sets the high bit for odd parity as CEA-608 requires on the wire.
func parity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}
