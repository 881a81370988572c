package demux

import "encoding/binary"

// id3TimestampOwner is the PRIV frame owner Apple defines for carrying the
// 33-bit transport stream timestamp of the first sample in a fragment.
const id3TimestampOwner = "com.apple.streaming.transportStreamTimestamp"

func isID3Header(b []byte) bool {
	if len(b) < 10 || b[0] != 'I' || b[1] != 'D' || b[2] != '3' {
		return false
	}
	return b[3] < 0xFF && b[4] < 0xFF &&
		b[6] < 0x80 && b[7] < 0x80 && b[8] < 0x80 && b[9] < 0x80
}

func syncsafe(b []byte) int {
	return int(b[0]&0x7F)<<21 | int(b[1]&0x7F)<<14 | int(b[2]&0x7F)<<7 | int(b[3]&0x7F)
}

// SkipID3 returns the number of leading bytes occupied by ID3v2 tags,
// including footers and chained tags.
func SkipID3(data []byte) int {
	n := 0
	for isID3Header(data[n:]) {
		size := 10 + syncsafe(data[n+6:n+10])
		if data[n+5]&0x10 != 0 {
			size += 10 // footer
		}
		if n+size > len(data) {
			break
		}
		n += size
	}
	return n
}

// ReadID3Timestamp extracts the transport stream timestamp from the PRIV
// frame of a leading ID3 tag, as a 90 kHz clock value.
func ReadID3Timestamp(data []byte) (int64, bool) {
	if !isID3Header(data) {
		return 0, false
	}
	version := data[3]
	end := 10 + syncsafe(data[6:10])
	if end > len(data) {
		end = len(data)
	}

	pos := 10
	for pos+10 <= end {
		id := data[pos : pos+4]
		if id[0] == 0 {
			break // padding
		}
		var size int
		if version >= 4 {
			size = syncsafe(data[pos+4 : pos+8])
		} else {
			size = int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
		}
		pos += 10
		if size <= 0 || pos+size > end {
			break
		}
		if string(id) == "PRIV" {
			if pts, ok := privTimestamp(data[pos : pos+size]); ok {
				return pts, true
			}
		}
		pos += size
	}
	return 0, false
}

func privTimestamp(body []byte) (int64, bool) {
	owner := len(id3TimestampOwner)
	if len(body) < owner+1+8 || string(body[:owner]) != id3TimestampOwner || body[owner] != 0 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(body[owner+1 : owner+9])
	return int64(v & (1<<33 - 1)), true
}
