package mpegts

// ParsePacket parses one 188-byte transport stream packet. The payload
// slice aliases buf; callers that retain it across packets must copy.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, ErrPacketSize
	}
	if buf[0] != SyncByte {
		return nil, ErrSyncByte
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			// flags byte: discontinuity(1) + random_access(1) + priority(1) +
			// PCR(1) + OPCR(1) + splicing(1) + private(1) + extension(1)
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
			p.Header.RandomAccessIndicator = buf[offset+1]&0x40 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = buf[offset:]
	}

	return p, nil
}

// minSyncRun is the number of consecutive packet-aligned sync bytes required
// before a buffer is accepted as a transport stream.
const minSyncRun = 3

// Sync scans the first packet length of data for an alignment offset at
// which the sync byte recurs at packet intervals for minSyncRun packets.
// Returns -1 when no alignment exists. Used both for probing and for
// resynchronizing after corruption.
func Sync(data []byte) int {
	if len(data) < minSyncRun*PacketSize {
		return -1
	}
	limit := len(data) - minSyncRun*PacketSize
	if limit > PacketSize {
		limit = PacketSize
	}
	for i := 0; i <= limit; i++ {
		if data[i] == SyncByte &&
			data[i+PacketSize] == SyncByte &&
			data[i+2*PacketSize] == SyncByte {
			return i
		}
	}
	return -1
}

// Probe reports whether data looks like a transport stream: a sync byte
// recurring at 188-byte intervals for a minimum run.
func Probe(data []byte) bool {
	return Sync(data) >= 0
}
