package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

// encodeClock encodes a 33-bit PTS/DTS value into 5 bytes with marker bits.
func encodeClock(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

// buildPES assembles a complete PES packet. Video stream IDs (0xE0) get an
// unbounded packet length as broadcast encoders emit them.
func buildPES(streamID byte, pts, dts int64, hasPTS, hasDTS bool, data []byte) []byte {
	var optHeader []byte
	ptsDTSIndicator := byte(0)
	if hasPTS && hasDTS {
		ptsDTSIndicator = 3
		optHeader = append(optHeader, encodeClock(0x03, pts)...)
		optHeader = append(optHeader, encodeClock(0x01, dts)...)
	} else if hasPTS {
		ptsDTSIndicator = 2
		optHeader = append(optHeader, encodeClock(0x02, pts)...)
	}

	headerDataLen := len(optHeader)
	packetLength := 3 + headerDataLen + len(data)
	if streamID == 0xE0 {
		packetLength = 0
	}

	buf := make([]byte, 0, 9+headerDataLen+len(data))
	buf = append(buf, 0x00, 0x00, 0x01)
	buf = append(buf, streamID)
	buf = append(buf, byte(packetLength>>8), byte(packetLength))
	buf = append(buf, 0x80)                // marker bits
	buf = append(buf, ptsDTSIndicator<<6)  // PTS_DTS_indicator
	buf = append(buf, byte(headerDataLen)) // PES_header_data_length
	buf = append(buf, optHeader...)
	buf = append(buf, data...)
	return buf
}

func TestParsePES_PTSOnly(t *testing.T) {
	t.Parallel()

	data := []byte{0xAA, 0xBB, 0xCC}
	buf := buildPES(0xC0, 90000, 0, true, false, data)

	pes, err := ParsePES(buf)
	if err != nil {
		t.Fatal(err)
	}
	if pes.StreamID != 0xC0 {
		t.Errorf("stream ID = 0x%02X, want 0xC0", pes.StreamID)
	}
	if pes.PTS == nil {
		t.Fatal("expected PTS")
	}
	if pes.PTS.Base != 90000 {
		t.Errorf("PTS = %d, want 90000", pes.PTS.Base)
	}
	if pes.DTS != nil {
		t.Error("DTS should be nil")
	}
	if !bytes.Equal(pes.Data, data) {
		t.Errorf("data = %x, want %x", pes.Data, data)
	}
}

func TestParsePES_PTSAndDTS(t *testing.T) {
	t.Parallel()

	buf := buildPES(0xE0, 2790000, 2782492, true, true, []byte{0x01, 0x02})

	pes, err := ParsePES(buf)
	if err != nil {
		t.Fatal(err)
	}
	if pes.PTS == nil || pes.DTS == nil {
		t.Fatal("expected PTS and DTS")
	}
	if pes.PTS.Base != 2790000 {
		t.Errorf("PTS = %d, want 2790000", pes.PTS.Base)
	}
	if pes.DTS.Base != 2782492 {
		t.Errorf("DTS = %d, want 2782492", pes.DTS.Base)
	}
}

func TestParsePES_NearWrap(t *testing.T) {
	t.Parallel()

	// Largest encodable 33-bit value and one just below the wrap.
	for _, v := range []int64{(1 << 33) - 1, (1 << 33) - 90000} {
		buf := buildPES(0xE0, v, 0, true, false, []byte{0x00})
		pes, err := ParsePES(buf)
		if err != nil {
			t.Fatal(err)
		}
		if pes.PTS.Base != v {
			t.Errorf("PTS = %d, want %d", pes.PTS.Base, v)
		}
	}
}

func TestParsePES_NoTimestamps(t *testing.T) {
	t.Parallel()

	buf := buildPES(0xC0, 0, 0, false, false, []byte{0x11, 0x22})
	pes, err := ParsePES(buf)
	if err != nil {
		t.Fatal(err)
	}
	if pes.PTS != nil || pes.DTS != nil {
		t.Error("timestamps parsed from header without any")
	}
	if len(pes.Data) != 2 {
		t.Errorf("data length = %d, want 2", len(pes.Data))
	}
}

func TestParsePES_NoOptionalHeader(t *testing.T) {
	t.Parallel()

	// private_stream_2 carries data immediately after the packet length.
	data := []byte{0xDE, 0xAD}
	buf := []byte{0x00, 0x00, 0x01, 0xBF, 0x00, 0x02}
	buf = append(buf, data...)

	pes, err := ParsePES(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pes.Data, data) {
		t.Errorf("data = %x, want %x", pes.Data, data)
	}
}

func TestParsePES_BoundedLength(t *testing.T) {
	t.Parallel()

	// Audio PES with trailing stuffing beyond the declared length.
	buf := buildPES(0xC0, 45000, 0, true, false, []byte{0x01, 0x02, 0x03})
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF)

	pes, err := ParsePES(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(pes.Data) != 3 {
		t.Errorf("data length = %d, want 3 (stuffing must be excluded)", len(pes.Data))
	}
}

func TestParsePES_Errors(t *testing.T) {
	t.Parallel()

	if _, err := ParsePES([]byte{0x00, 0x00}); err == nil {
		t.Error("short buffer accepted")
	}
	if _, err := ParsePES([]byte{0xFF, 0x00, 0x01, 0xE0, 0x00, 0x00}); !errors.Is(err, ErrNoStartCode) {
		t.Errorf("bad start code: err = %v, want ErrNoStartCode", err)
	}
}

func TestEncodeClockRoundTrip(t *testing.T) {
	t.Parallel()

	values := []int64{0, 1, 90000, 1 << 32, (1 << 33) - 1}
	for _, v := range values {
		got := parseClock(encodeClock(0x02, v))
		if got == nil || got.Base != v {
			t.Errorf("round trip of %d failed: got %+v", v, got)
		}
	}
}
