package mpegts

// PSI table IDs.
const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02
)

// SectionBuffer accumulates the packet payloads of one PSI PID until the
// declared section length is complete. Tables normally fit a single packet
// but the standard allows them to span several; completed sections are
// returned in arrival order.
type SectionBuffer struct {
	buf     []byte
	started bool
}

// Add feeds one packet payload. pusi marks a payload that begins with a
// pointer field. Completed raw sections (table header through CRC32) are
// returned; incomplete bytes are retained for the next call.
func (b *SectionBuffer) Add(payload []byte, pusi bool) [][]byte {
	if len(payload) == 0 {
		return nil
	}

	var sections [][]byte

	if pusi {
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			b.Reset()
			return nil
		}
		// Bytes before the pointer target complete the previous section.
		if b.started && pointer > 0 {
			b.buf = append(b.buf, payload[1:1+pointer]...)
			sections = b.drain(sections)
		}
		b.buf = append(b.buf[:0], payload[1+pointer:]...)
		b.started = true
		return b.drain(sections)
	}

	if !b.started {
		return nil
	}
	b.buf = append(b.buf, payload...)
	return b.drain(sections)
}

// Reset discards any partially accumulated section.
func (b *SectionBuffer) Reset() {
	b.buf = b.buf[:0]
	b.started = false
}

// drain slices completed sections off the front of the buffer.
func (b *SectionBuffer) drain(sections [][]byte) [][]byte {
	for len(b.buf) >= 3 {
		if b.buf[0] == 0xFF {
			// stuffing: rest of the payload is padding
			b.Reset()
			break
		}
		// section_syntax_indicator must be set for PAT/PMT; clear means
		// zero padding
		if b.buf[1]&0x80 == 0 {
			b.Reset()
			break
		}
		sectionLength := int(b.buf[1]&0x0F)<<8 | int(b.buf[2])
		total := 3 + sectionLength
		if len(b.buf) < total {
			break
		}
		section := make([]byte, total)
		copy(section, b.buf[:total])
		sections = append(sections, section)
		b.buf = b.buf[total:]
	}
	return sections
}

// ParsePAT parses a complete, CRC-verified PAT section.
//
// Section layout:
//
//	[0]    table_id
//	[1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
//	[3-4]  transport_stream_id
//	[5]    reserved(2) + version(5) + current_next(1)
//	[6]    section_number
//	[7]    last_section_number
//	[8..]  program entries (4 bytes each)
//	[last 4] CRC32
func ParsePAT(data []byte) (*PAT, error) {
	if len(data) < 12 { // 8 header + 4 CRC
		return nil, &ParseError{Field: "PAT", Err: ErrShortSection}
	}
	if data[0] != TableIDPAT {
		return nil, &ParseError{Field: "PAT table_id", Err: ErrShortSection}
	}
	if err := verifyCRC32(data); err != nil {
		return nil, &ParseError{Field: "PAT", Err: err}
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryEnd := 3 + sectionLength - 4
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PAT{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])

		if programNumber == 0 {
			continue // network PID entry
		}
		pat.Programs = append(pat.Programs, PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

// ParsePMT parses a complete, CRC-verified PMT section.
//
// Section layout:
//
//	[0]     table_id
//	[1-2]   section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
//	[3-4]   program_number
//	[5]     reserved(2) + version(5) + current_next(1)
//	[6]     section_number
//	[7]     last_section_number
//	[8-9]   reserved(3) + PCR_PID(13)
//	[10-11] reserved(4) + program_info_length(12)
//	[...]   program descriptors
//	[...]   elementary stream entries (5 bytes + ES_info_length each)
//	[last 4] CRC32
func ParsePMT(data []byte) (*PMT, error) {
	if len(data) < 16 { // 12 header + 4 CRC
		return nil, &ParseError{Field: "PMT", Err: ErrShortSection}
	}
	if data[0] != TableIDPMT {
		return nil, &ParseError{Field: "PMT table_id", Err: ErrShortSection}
	}
	if err := verifyCRC32(data); err != nil {
		return nil, &ParseError{Field: "PMT", Err: err}
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength
	if sectionEnd > len(data) {
		sectionEnd = len(data)
	}

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	pmt := &PMT{PCRPID: uint16(data[8]&0x1F)<<8 | uint16(data[9])}
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
		})
		offset += 5 + esInfoLength
	}
	return pmt, nil
}
