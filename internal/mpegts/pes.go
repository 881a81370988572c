package mpegts

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// ParsePES parses one fully reassembled PES packet. The returned Data slice
// aliases payload.
func ParsePES(payload []byte) (*PES, error) {
	if len(payload) < 6 {
		return nil, &ParseError{Field: "PES header", Err: ErrShortSection}
	}
	if !isPESPayload(payload) {
		return nil, ErrNoStartCode
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	pes := &PES{StreamID: streamID}

	// Stream IDs without an optional PES header: padding_stream (0xBE),
	// private_stream_2 (0xBF), ECM (0xF0), EMM (0xF1), DSMCC (0xF2),
	// H.222.1 type E (0xF8), program_stream_directory (0xFF)
	hasOptionalHeader := streamID != 0xBE && streamID != 0xBF &&
		streamID != 0xF0 && streamID != 0xF1 &&
		streamID != 0xF2 && streamID != 0xF8 && streamID != 0xFF

	if !hasOptionalHeader {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			pes.Data = payload[6 : 6+packetLength]
		} else {
			pes.Data = payload[6:]
		}
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, &ParseError{Field: "PES optional header", Err: ErrShortSection}
	}

	// payload[6]: marker(2) + scrambling(2) + priority(1) + alignment(1) +
	//             copyright(1) + original(1)
	// payload[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) +
	//             additional_copy(1) + CRC(1) + extension(1)
	// payload[8]: PES_header_data_length
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])

	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			pes.PTS = parseClock(payload[9:14])
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			pes.PTS = parseClock(payload[9:14])
			pes.DTS = parseClock(payload[14:19])
		}
	}

	if packetLength > 0 {
		// packetLength counts bytes after the length field; the optional
		// header is part of it.
		totalPES := 6 + packetLength
		if totalPES <= len(payload) && totalPES > dataStart {
			pes.Data = payload[dataStart:totalPES]
		} else {
			pes.Data = payload[dataStart:]
		}
	} else {
		// packetLength 0 means unbounded, standard for video streams
		pes.Data = payload[dataStart:]
	}

	return pes, nil
}

// parseClock extracts a 33-bit timestamp from 5 PES timestamp bytes.
// Layout: marker(4) + ts[32..30](3) + marker_bit, ts[29..15] + marker_bit,
// ts[14..0] + marker_bit.
func parseClock(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}
