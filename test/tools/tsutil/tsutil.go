// Package tsutil builds synthetic MPEG-TS, ADTS, and Annex B fixtures for
// tests. Everything is assembled from first principles so tests control every
// field of the bitstream.
package tsutil

import "github.com/zsiec/refract/internal/mpegts"

// Stream fixtures shared by demuxer and pipeline tests.
var (
	// SPS is a baseline-profile sequence parameter set describing 320x240
	// video ("avc1.42C01E").
	SPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xF4, 0x0A, 0x0F, 0xC8}

	// PPS pairs with SPS.
	PPS = []byte{0x68, 0xCE, 0x3C, 0x80}

	// AUD is an access unit delimiter.
	AUD = []byte{0x09, 0xF0}
)

// IDR returns an IDR slice NAL opening a new picture, padded to n bytes
// with values that cannot form start codes.
func IDR(n int) []byte {
	return slice(0x65, true, n)
}

// Slice returns a non-IDR slice NAL. first selects whether the slice opens
// a new picture (first_mb_in_slice == 0).
func Slice(first bool, n int) []byte {
	return slice(0x41, first, n)
}

func slice(header byte, first bool, n int) []byte {
	if n < 2 {
		n = 2
	}
	u := make([]byte, n)
	u[0] = header
	u[1] = 0x3A // first_mb_in_slice != 0
	if first {
		u[1] = 0x9A
	}
	for i := 2; i < n; i++ {
		u[i] = 0xAA
	}
	return u
}

// SEI returns an SEI NAL with one message of the given payload type.
func SEI(payloadType int, payload []byte) []byte {
	out := []byte{0x06}
	pt := payloadType
	for pt >= 255 {
		out = append(out, 0xFF)
		pt -= 255
	}
	out = append(out, byte(pt))
	ps := len(payload)
	for ps >= 255 {
		out = append(out, 0xFF)
		ps -= 255
	}
	out = append(out, byte(ps))
	out = append(out, payload...)
	return append(out, 0x80) // rbsp_trailing_bits
}

// AnnexB joins NAL units with four-byte start codes.
func AnnexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, u...)
	}
	return out
}

func encodeClock(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 1,
		byte(v >> 22),
		byte(v>>14)&0xFE | 1,
		byte(v >> 7),
		byte(v<<1) | 1,
	}
}

func buildPES(streamID uint8, hasPTS, hasDTS bool, pts, dts int64, es []byte) []byte {
	var flags byte
	var clocks []byte
	if hasPTS {
		if hasDTS {
			flags = 0xC0
			clocks = append(encodeClock(0x3, pts), encodeClock(0x1, dts)...)
		} else {
			flags = 0x80
			clocks = encodeClock(0x2, pts)
		}
	}

	length := 3 + len(clocks) + len(es)
	if streamID == 0xE0 || length > 0xFFFF {
		length = 0 // unbounded, valid for video
	}

	pes := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length)}
	pes = append(pes, 0x80, flags, byte(len(clocks)))
	pes = append(pes, clocks...)
	return append(pes, es...)
}

// PES assembles a PES packet without timestamps.
func PES(streamID uint8, es []byte) []byte {
	return buildPES(streamID, false, false, 0, 0, es)
}

// PESWithPTS assembles a PES packet carrying only a PTS.
func PESWithPTS(streamID uint8, pts int64, es []byte) []byte {
	return buildPES(streamID, true, false, pts, 0, es)
}

// PESWithPTSDTS assembles a PES packet carrying both timestamps.
func PESWithPTSDTS(streamID uint8, pts, dts int64, es []byte) []byte {
	return buildPES(streamID, true, true, pts, dts, es)
}

// Packetize splits pesData into 188-byte TS packets on the given PID,
// incrementing the continuity counter cc between packets. The final packet
// is padded with adaptation-field stuffing.
func Packetize(pesData []byte, pid uint16, cc *byte) []byte {
	var result []byte
	offset := 0
	first := true

	for offset < len(pesData) {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = mpegts.SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		remaining := len(pesData) - offset
		capacity := mpegts.PacketSize - 4

		if remaining < capacity {
			stuffLen := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuffLen - 1)
			if stuffLen > 1 {
				pkt[5] = 0
				for i := 6; i < 4+stuffLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuffLen:], pesData[offset:])
			offset = len(pesData)
		} else {
			copy(pkt[4:], pesData[offset:offset+capacity])
			offset += capacity
		}

		result = append(result, pkt[:]...)
	}

	return result
}

// PATSection builds a single-program PAT section mapping program 1 to
// pmtPID.
func PATSection(pmtPID uint16) []byte {
	body := []byte{
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next
		0x00, 0x00, // section numbers
		0x00, 0x01, // program_number 1
		0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	return finishSection(0x00, body)
}

// PMTStream describes one elementary stream entry for PMTSection.
type PMTStream struct {
	PID  uint16
	Type uint8
}

// PMTSection builds a PMT section for program 1.
func PMTSection(pcrPID uint16, streams []PMTStream) []byte {
	body := []byte{
		0x00, 0x01, // program_number
		0xC1,
		0x00, 0x00,
		0xE0 | byte(pcrPID>>8), byte(pcrPID),
		0xF0, 0x00, // program_info_length 0
	}
	for _, s := range streams {
		body = append(body,
			s.Type,
			0xE0|byte(s.PID>>8), byte(s.PID),
			0xF0, 0x00, // ES_info_length 0
		)
	}
	return finishSection(0x02, body)
}

func finishSection(tableID byte, body []byte) []byte {
	length := len(body) + 4 // plus CRC
	section := []byte{tableID, 0xB0 | byte(length>>8), byte(length)}
	section = append(section, body...)
	crc := mpegts.CRC32(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// PSIPacket wraps a section that fits one TS packet, with a zero pointer
// field and 0xFF stuffing.
func PSIPacket(pid uint16, section []byte, cc *byte) []byte {
	pkt := make([]byte, mpegts.PacketSize)
	pkt[0] = mpegts.SyncByte
	pkt[1] = 0x40 | byte(pid>>8)&0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (*cc & 0x0F)
	*cc = (*cc + 1) & 0x0F
	pkt[4] = 0x00 // pointer_field
	copy(pkt[5:], section)
	for i := 5 + len(section); i < mpegts.PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// ADTSFrame wraps payload in an ADTS header (AAC-LC, no CRC).
func ADTSFrame(sampleRateIndex, channels int, payload []byte) []byte {
	frameLen := 7 + len(payload)
	hdr := []byte{
		0xFF, 0xF1, // MPEG-4, layer 0, protection absent
		byte(0x01<<6) | byte(sampleRateIndex<<2) | byte(channels>>2)&0x01,
		byte(channels&0x03)<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(hdr, payload...)
}

// ID3Timestamp builds an ID3v2.4 tag whose PRIV frame carries the Apple
// transport stream timestamp.
func ID3Timestamp(pts int64) []byte {
	owner := "com.apple.streaming.transportStreamTimestamp"
	body := append([]byte(owner), 0x00)
	body = append(body,
		byte(pts>>56), byte(pts>>48), byte(pts>>40), byte(pts>>32),
		byte(pts>>24), byte(pts>>16), byte(pts>>8), byte(pts),
	)

	frame := append([]byte("PRIV"), syncsafe(len(body))...)
	frame = append(frame, 0x00, 0x00)
	frame = append(frame, body...)

	tag := append([]byte("ID3"), 0x04, 0x00, 0x00)
	tag = append(tag, syncsafe(len(frame))...)
	return append(tag, frame...)
}

func syncsafe(n int) []byte {
	return []byte{
		byte(n>>21) & 0x7F,
		byte(n>>14) & 0x7F,
		byte(n>>7) & 0x7F,
		byte(n) & 0x7F,
	}
}
