// Package mpegts implements the transport-stream bit layer: 188-byte packet
// parsing, PAT/PMT section assembly with CRC32 verification, and PES
// reassembly with 33-bit PTS/DTS extraction. It holds no stream policy; the
// demux package drives it and decides what each PID means.
package mpegts

// PacketSize is the fixed size of a transport stream packet.
const PacketSize = 188

// SyncByte is the first byte of every transport stream packet.
const SyncByte = 0x47

// Stream types assigned in PMT elementary stream entries.
const (
	StreamTypeADTS     = 0x0F // AAC in ADTS framing
	StreamTypeMetadata = 0x15 // timed metadata (ID3) in PES
	StreamTypeH264     = 0x1B
	StreamTypeH265     = 0x24
)

// PIDPAT is the reserved PID carrying the Program Association Table.
const PIDPAT = 0x0000

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream
// packet, including the adaptation-field flags the demuxer acts on.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// PAT is the parsed Program Association Table.
type PAT struct {
	Programs []PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramNumber uint16
	ProgramMapID  uint16
}

// PMT is the parsed Program Map Table.
type PMT struct {
	PCRPID            uint16
	ElementaryStreams []PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream entry in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PES is one reassembled packetized elementary stream unit. PTS and DTS are
// nil when the optional header carried no timestamp.
type PES struct {
	StreamID uint8
	PTS      *ClockReference
	DTS      *ClockReference
	Data     []byte
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock)
// exactly as carried in the PES header, before rollover normalization.
type ClockReference struct {
	Base int64
}
