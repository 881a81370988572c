package mpegts

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildPATSection constructs a valid PAT section with CRC32.
func buildPATSection(tsID uint16, programs []PATProgram) []byte {
	entryLen := len(programs) * 4
	sectionLength := 5 + entryLen + 4 // fixed bytes after section_length + entries + CRC

	data := make([]byte, 3+sectionLength)
	data[0] = TableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F // section_syntax_indicator=1
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 // reserved(2) + version(0) + current_next(1)
	data[6] = 0x00 // section_number
	data[7] = 0x00 // last_section_number

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.ProgramNumber >> 8)
		data[offset+1] = byte(p.ProgramNumber)
		data[offset+2] = 0xE0 | byte(p.ProgramMapID>>8)&0x1F
		data[offset+3] = byte(p.ProgramMapID)
		offset += 4
	}

	crc := CRC32(data[:offset])
	binary.BigEndian.PutUint32(data[offset:], crc)
	return data
}

// buildPMTSection constructs a valid PMT section with CRC32.
func buildPMTSection(programNum, pcrPID uint16, streams []PMTElementaryStream) []byte {
	esLen := len(streams) * 5
	sectionLength := 9 + esLen + 4

	data := make([]byte, 3+sectionLength)
	data[0] = TableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0 // reserved(4) + program_info_length(12) = 0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.StreamType
		data[offset+1] = 0xE0 | byte(s.ElementaryPID>>8)&0x1F
		data[offset+2] = byte(s.ElementaryPID)
		data[offset+3] = 0xF0
		data[offset+4] = 0x00
		offset += 5
	}

	crc := CRC32(data[:offset])
	binary.BigEndian.PutUint32(data[offset:], crc)
	return data
}

func TestParsePAT(t *testing.T) {
	t.Parallel()

	data := buildPATSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}})
	pat, err := ParsePAT(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 1 {
		t.Fatalf("got %d programs, want 1", len(pat.Programs))
	}
	if pat.Programs[0].ProgramMapID != 0x1000 {
		t.Errorf("PMT PID = 0x%X, want 0x1000", pat.Programs[0].ProgramMapID)
	}
}

func TestParsePAT_SkipsNetworkPID(t *testing.T) {
	t.Parallel()

	data := buildPATSection(1, []PATProgram{
		{ProgramNumber: 0, ProgramMapID: 0x10}, // network entry
		{ProgramNumber: 2, ProgramMapID: 0x200},
	})
	pat, err := ParsePAT(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 1 || pat.Programs[0].ProgramNumber != 2 {
		t.Errorf("programs = %+v, want only program 2", pat.Programs)
	}
}

func TestParsePAT_CRCMismatch(t *testing.T) {
	t.Parallel()

	data := buildPATSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}})
	data[len(data)-1] ^= 0xFF
	if _, err := ParsePAT(data); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("err = %v, want ErrCRCMismatch", err)
	}
}

func TestParsePMT(t *testing.T) {
	t.Parallel()

	data := buildPMTSection(1, 0x100, []PMTElementaryStream{
		{ElementaryPID: 0x100, StreamType: StreamTypeH264},
		{ElementaryPID: 0x101, StreamType: StreamTypeADTS},
		{ElementaryPID: 0x102, StreamType: StreamTypeMetadata},
	})
	pmt, err := ParsePMT(data)
	if err != nil {
		t.Fatal(err)
	}
	if pmt.PCRPID != 0x100 {
		t.Errorf("PCR PID = 0x%X, want 0x100", pmt.PCRPID)
	}
	if len(pmt.ElementaryStreams) != 3 {
		t.Fatalf("got %d streams, want 3", len(pmt.ElementaryStreams))
	}
	if pmt.ElementaryStreams[0].StreamType != StreamTypeH264 {
		t.Errorf("stream 0 type = 0x%02X, want H.264", pmt.ElementaryStreams[0].StreamType)
	}
	if pmt.ElementaryStreams[1].ElementaryPID != 0x101 {
		t.Errorf("stream 1 PID = 0x%X, want 0x101", pmt.ElementaryStreams[1].ElementaryPID)
	}
}

func TestSectionBuffer_SinglePacket(t *testing.T) {
	t.Parallel()

	section := buildPATSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}})
	payload := append([]byte{0x00}, section...) // pointer field 0

	var sb SectionBuffer
	sections := sb.Add(payload, true)
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	if _, err := ParsePAT(sections[0]); err != nil {
		t.Fatal(err)
	}
}

func TestSectionBuffer_SpansPackets(t *testing.T) {
	t.Parallel()

	// A PMT large enough to need two packet payloads.
	var streams []PMTElementaryStream
	for i := 0; i < 50; i++ {
		streams = append(streams, PMTElementaryStream{ElementaryPID: uint16(0x100 + i), StreamType: StreamTypeH264})
	}
	section := buildPMTSection(1, 0x100, streams)
	if len(section) <= 184 {
		t.Fatal("section does not span packets")
	}

	payload1 := append([]byte{0x00}, section[:183]...)

	var sb SectionBuffer
	if got := sb.Add(payload1, true); len(got) != 0 {
		t.Fatalf("incomplete section emitted: %d", len(got))
	}
	sections := sb.Add(section[183:], false)
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	pmt, err := ParsePMT(sections[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(pmt.ElementaryStreams) != 50 {
		t.Errorf("got %d streams, want 50", len(pmt.ElementaryStreams))
	}
}

func TestSectionBuffer_PointerFieldContinuation(t *testing.T) {
	t.Parallel()

	// Second payload carries the tail of section A before section B starts.
	a := buildPATSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}})
	b := buildPATSection(1, []PATProgram{{ProgramNumber: 2, ProgramMapID: 0x2000}})

	split := len(a) - 3
	payload1 := append([]byte{0x00}, a[:split]...)
	payload2 := append([]byte{0x03}, a[split:]...)
	payload2 = append(payload2, b...)

	var sb SectionBuffer
	if got := sb.Add(payload1, true); len(got) != 0 {
		t.Fatal("incomplete section emitted")
	}
	sections := sb.Add(payload2, true)
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	patB, err := ParsePAT(sections[1])
	if err != nil {
		t.Fatal(err)
	}
	if patB.Programs[0].ProgramMapID != 0x2000 {
		t.Errorf("second section PMT PID = 0x%X, want 0x2000", patB.Programs[0].ProgramMapID)
	}
}

func TestSectionBuffer_StuffingStops(t *testing.T) {
	t.Parallel()

	section := buildPATSection(1, []PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}})
	payload := append([]byte{0x00}, section...)
	payload = append(payload, 0xFF, 0xFF, 0xFF)

	var sb SectionBuffer
	sections := sb.Add(payload, true)
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	if sb.Add([]byte{0xFF, 0xFF}, false) != nil {
		t.Error("stuffing continuation produced sections")
	}
}
