// Package captions decodes CEA-608/708 caption data carried in H.264 SEI
// messages and fans the decoded text out as tagged ChannelOutput values on
// a single consumer channel.
package captions

import (
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/internal/media"
)

// Kind tags which caption system produced an output.
type Kind int

const (
	KindCEA608 Kind = iota
	KindCEA708
)

func (k Kind) String() string {
	switch k {
	case KindCEA608:
		return "cea608"
	case KindCEA708:
		return "cea708"
	default:
		return "unknown"
	}
}

// ChannelOutput is one decoded caption update. Channel is set for CEA-608
// (1-4), Service for CEA-708 (1-6); the other is zero.
type ChannelOutput struct {
	Kind    Kind
	Channel int
	Service int
	Text    string
	PTS     int64 // 90 kHz
}

// Config tunes the dispatcher.
type Config struct {
	// Buffer is the output channel capacity. Outputs beyond it are
	// dropped rather than blocking the caller. Defaults to 64.
	Buffer int
}

// Dispatcher owns the per-channel CEA-608 decoders and per-service CEA-708
// services and routes decoded text to Output. It is not safe for concurrent
// use: Process must be called from a single goroutine.
type Dispatcher struct {
	log *slog.Logger
	out chan ChannelOutput

	dec608 map[int]*ccx.CEA608Decoder
	svc708 map[int]*ccx.CEA708Service

	dedup   dedup608
	dtvcc   []byte
	auCount int64
	dropped int64
}

// NewDispatcher builds a dispatcher with decoders for CEA-608 channels 1-4
// and CEA-708 services 1-6. Pass a nil logger to use slog.Default.
func NewDispatcher(cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	d := &Dispatcher{
		log: log.With("component", "captions"),
		out: make(chan ChannelOutput, cfg.Buffer),
		dec608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		svc708: map[int]*ccx.CEA708Service{},
	}
	for i := 1; i <= 6; i++ {
		d.svc708[i] = ccx.NewCEA708Service()
	}
	return d
}

// Output is the consumer channel. Closed by Close.
func (d *Dispatcher) Output() <-chan ChannelOutput {
	return d.out
}

// Dropped reports outputs discarded because the consumer lagged.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped
}

// Process decodes the caption payloads of one fragment's SEI samples.
func (d *Dispatcher) Process(samples []media.MetaSample) {
	for _, s := range samples {
		d.processSEI(s.Data, s.PTS)
	}
}

// Flush drains a DTVCC packet left pending at end of stream.
func (d *Dispatcher) Flush(pts int64) {
	d.drainDTVCC(pts)
}

// Close closes the output channel. Call after the final Process or Flush.
func (d *Dispatcher) Close() {
	close(d.out)
}

func (d *Dispatcher) processSEI(nal []byte, pts int64) {
	cd := ccx.ExtractCaptions(nal)
	if cd == nil {
		return
	}
	d.auCount++

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		if d.dedup.repeated(int(pair.Field), cc1, cc2, d.auCount) {
			continue
		}
		dec := d.dec608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			d.emit(ChannelOutput{Kind: KindCEA608, Channel: pair.Channel, Text: text, PTS: pts})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(pts)
			d.dtvcc = d.dtvcc[:0]
		}
		d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
	}
}

// drainDTVCC decodes the accumulated DTVCC packet once it is complete.
func (d *Dispatcher) drainDTVCC(pts int64) {
	if len(d.dtvcc) == 0 {
		return
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.svc708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				d.emit(ChannelOutput{Kind: KindCEA708, Service: block.ServiceNum, Text: text, PTS: pts})
			}
		}
	}
	d.dtvcc = d.dtvcc[size:]
}

func (d *Dispatcher) emit(out ChannelOutput) {
	select {
	case d.out <- out:
	default:
		d.dropped++
		if d.dropped == 1 {
			d.log.Warn("caption consumer lagging, dropping outputs")
		}
	}
}

// dedup608 suppresses the doubled control pairs CEA-608 transmits for
// reliability: an identical control pair arriving within two access units
// of the last one is the retransmission, not a new command.
type dedup608 struct {
	last    [2][2]byte
	wasCtrl [2]bool
	lastAU  [2]int64
}

func (d *dedup608) repeated(field int, cc1, cc2 byte, au int64) bool {
	if field != 0 && field != 1 {
		return false
	}
	if cc1 < 0x10 || cc1 > 0x1F {
		d.wasCtrl[field] = false
		return false
	}
	pair := [2]byte{cc1, cc2}
	if d.wasCtrl[field] && d.last[field] == pair && au-d.lastAU[field] <= 2 {
		d.wasCtrl[field] = false
		return true
	}
	d.last[field] = pair
	d.wasCtrl[field] = true
	d.lastAU[field] = au
	return false
}
