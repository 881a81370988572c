package mpegts

// Assembler reassembles PES units for one elementary-stream PID. Packet
// payloads accumulate between payload-unit-start markers; a unit completes
// when the next unit begins or the assembler is flushed. A PES may span any
// number of packets and any number of input buffers, so the accumulated
// bytes are owned copies.
type Assembler struct {
	buf     []byte
	started bool
	lastCC  int
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{lastCC: -1}
}

// Add feeds one packet belonging to this assembler's PID. When the packet
// starts the next unit, the previously accumulated unit is parsed and
// returned. Dropped packets surface as ErrTransportErr, ErrDuplicate or
// ErrDiscontinuity; all are skippable.
func (a *Assembler) Add(p *Packet) (*PES, error) {
	if p.Header.TransportErrorIndicator {
		a.reset()
		return nil, ErrTransportErr
	}
	if !p.Header.HasPayload {
		return nil, nil
	}

	// Continuity check against the last payload-carrying packet. A signaled
	// discontinuity indicator makes any jump legitimate.
	if a.lastCC >= 0 && !p.Header.DiscontinuityIndicator {
		expected := uint8(a.lastCC+1) & 0x0F
		if p.Header.ContinuityCounter != expected {
			if p.Header.ContinuityCounter == uint8(a.lastCC) {
				return nil, ErrDuplicate
			}
			// Unsignaled gap: the unit under assembly lost packets.
			a.reset()
			a.lastCC = int(p.Header.ContinuityCounter)
			if !p.Header.PayloadUnitStartIndicator {
				return nil, ErrDiscontinuity
			}
			a.started = true
			a.buf = append(a.buf, p.Payload...)
			return nil, ErrDiscontinuity
		}
	}
	a.lastCC = int(p.Header.ContinuityCounter)

	var completed *PES
	var err error

	if p.Header.PayloadUnitStartIndicator {
		completed, err = a.take()
		a.started = true
	}

	if a.started {
		a.buf = append(a.buf, p.Payload...)
	}

	return completed, err
}

// Flush parses and returns any unit still under assembly. Called at end of
// stream, when the final unit has no successor to complete it.
func (a *Assembler) Flush() (*PES, error) {
	pes, err := a.take()
	a.started = false
	return pes, err
}

// Pending reports whether bytes are accumulated toward an unfinished unit.
func (a *Assembler) Pending() bool {
	return len(a.buf) > 0
}

// Reset discards assembly state, keeping no continuity expectation. Used on
// demuxer discontinuities.
func (a *Assembler) Reset() {
	a.reset()
	a.lastCC = -1
}

func (a *Assembler) reset() {
	a.buf = a.buf[:0]
	a.started = false
}

func (a *Assembler) take() (*PES, error) {
	if len(a.buf) == 0 {
		return nil, nil
	}
	data := make([]byte, len(a.buf))
	copy(data, a.buf)
	a.buf = a.buf[:0]
	return ParsePES(data)
}
