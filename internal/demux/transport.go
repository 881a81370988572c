package demux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
)

// ErrNoSync reports input that contained no recognizable transport stream
// packets at all.
var ErrNoSync = errors.New("no transport stream synchronization")

// pidNone is the null PID, used to mark elementary streams the program map
// has not assigned.
const pidNone = 0x1FFF

// TransportStream demultiplexes MPEG transport streams into elementary
// stream samples. All cross-packet state (partial packets, PSI sections, PES
// units, NAL units, ADTS frames) carries between Demux calls, so any slicing
// of one byte stream produces identical samples. Program tables may arrive
// any time after payload packets; bytes on unmapped PIDs are ignored until
// the map is known.
type TransportStream struct {
	log *slog.Logger

	remainder []byte // tail bytes shorter than one packet

	patSections mpegts.SectionBuffer
	pmtSections mpegts.SectionBuffer
	pmtPID      uint16
	havePAT     bool
	havePMT     bool

	videoPID uint16
	audioPID uint16
	metaPID  uint16

	videoAsm *mpegts.Assembler
	audioAsm *mpegts.Assembler
	metaAsm  *mpegts.Assembler

	video avcBuilder
	audio adtsParser

	lastMetaPTS int64
	haveMetaRef bool

	unsupported map[uint8]bool // stream types already warned about

	tracks *media.TrackSet
}

// NewTransportStream returns a demuxer for one MPEG-TS elementary stream
// bundle.
func NewTransportStream(log *slog.Logger) *TransportStream {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "demux")
	return &TransportStream{
		log:         log,
		videoPID:    pidNone,
		audioPID:    pidNone,
		metaPID:     pidNone,
		videoAsm:    mpegts.NewAssembler(),
		audioAsm:    mpegts.NewAssembler(),
		metaAsm:     mpegts.NewAssembler(),
		video:       avcBuilder{log: log},
		audio:       adtsParser{log: log},
		unsupported: make(map[uint8]bool),
		tracks:      media.NewTrackSet(media.ContainerMPEGTS),
	}
}

// Demux consumes data and returns the track set samples were appended to.
// When contiguous is false the carried parse state and timestamp references
// are discarded first; the program map and codec configuration survive.
func (d *TransportStream) Demux(data []byte, timeOffset float64, contiguous bool) (*media.TrackSet, error) {
	if !contiguous {
		d.discontinuity()
	}
	if len(d.remainder) > 0 {
		data = append(d.remainder, data...)
		d.remainder = nil
	}

	valid := 0
	skipped := 0
	i := 0
	for len(data)-i >= mpegts.PacketSize {
		if data[i] != mpegts.SyncByte {
			off := mpegts.Sync(data[i:])
			if off < 0 {
				skipped += len(data) - i
				i = len(data)
				break
			}
			skipped += off
			i += off
			continue
		}
		pkt, err := mpegts.ParsePacket(data[i : i+mpegts.PacketSize])
		if err != nil {
			skipped++
			i++
			continue
		}
		i += mpegts.PacketSize
		valid++
		d.route(pkt)
	}
	if rem := len(data) - i; rem > 0 {
		d.remainder = append([]byte(nil), data[i:]...)
	}

	if skipped > 0 {
		d.log.Warn("resynchronized transport stream", "skipped", skipped)
	}
	if valid == 0 && skipped >= mpegts.PacketSize {
		return d.tracks, ErrNoSync
	}
	return d.tracks, nil
}

// Flush completes the units still under assembly at end of stream and
// returns the track set.
func (d *TransportStream) Flush() *media.TrackSet {
	if pes, err := d.videoAsm.Flush(); pes != nil {
		d.video.push(pes, d.tracks)
	} else {
		d.noteAssembly(err, "video")
	}
	if pes, err := d.audioAsm.Flush(); pes != nil {
		if pes.PTS != nil {
			d.audio.anchor(pes.PTS.Base)
		}
		d.audio.parse(pes.Data, d.tracks.Audio)
	} else {
		d.noteAssembly(err, "audio")
	}
	if pes, err := d.metaAsm.Flush(); pes != nil {
		d.pushMeta(pes)
	} else {
		d.noteAssembly(err, "metadata")
	}

	d.video.flush(d.tracks)
	if n := len(d.audio.overflow); n > 0 {
		d.log.Debug("discarding truncated trailing frame", "bytes", n)
		d.audio.overflow = nil
	}
	if n := len(d.remainder); n > 0 {
		d.log.Debug("discarding partial trailing packet", "bytes", n)
		d.remainder = nil
	}
	return d.tracks
}

// Reset prepares the demuxer for an unrelated stream: program map, codec
// configuration, and parse state are all discarded, and track generations
// advance so downstream consumers regenerate initialization data.
func (d *TransportStream) Reset() {
	d.discontinuity()
	d.patSections.Reset()
	d.pmtSections.Reset()
	d.havePAT = false
	d.havePMT = false
	d.pmtPID = 0
	d.videoPID = pidNone
	d.audioPID = pidNone
	d.metaPID = pidNone
	d.videoAsm.Reset()
	d.audioAsm.Reset()
	d.metaAsm.Reset()
	d.video = avcBuilder{log: d.log}
	d.audio = adtsParser{log: d.log}
	d.unsupported = make(map[uint8]bool)
	d.tracks.Reset()
}

// discontinuity drops everything carried across the last buffer boundary.
// Timestamp references go with it; the next PES timestamps re-seed rollover
// normalization.
func (d *TransportStream) discontinuity() {
	d.remainder = nil
	d.patSections.Reset()
	d.pmtSections.Reset()
	d.videoAsm.Reset()
	d.audioAsm.Reset()
	d.metaAsm.Reset()
	d.video.reset()
	d.audio.reset()
	d.haveMetaRef = false
}

func (d *TransportStream) route(p *mpegts.Packet) {
	pid := p.Header.PID
	if pid == pidNone {
		return
	}

	switch {
	case pid == mpegts.PIDPAT:
		d.routeSections(&d.patSections, p, d.handlePAT)
	case d.havePAT && pid == d.pmtPID:
		d.routeSections(&d.pmtSections, p, d.handlePMT)
	case pid == d.videoPID:
		pes, err := d.videoAsm.Add(p)
		d.noteAssembly(err, "video")
		if pes != nil {
			d.video.push(pes, d.tracks)
		}
	case pid == d.audioPID:
		pes, err := d.audioAsm.Add(p)
		d.noteAssembly(err, "audio")
		if pes != nil {
			if pes.PTS != nil {
				d.audio.anchor(pes.PTS.Base)
			}
			d.audio.parse(pes.Data, d.tracks.Audio)
		}
	case pid == d.metaPID:
		pes, err := d.metaAsm.Add(p)
		d.noteAssembly(err, "metadata")
		if pes != nil {
			d.pushMeta(pes)
		}
	}
}

func (d *TransportStream) routeSections(buf *mpegts.SectionBuffer, p *mpegts.Packet, handle func([]byte)) {
	if p.Header.TransportErrorIndicator {
		buf.Reset()
		return
	}
	if !p.Header.HasPayload {
		return
	}
	for _, section := range buf.Add(p.Payload, p.Header.PayloadUnitStartIndicator) {
		handle(section)
	}
}

func (d *TransportStream) handlePAT(section []byte) {
	pat, err := mpegts.ParsePAT(section)
	if err != nil {
		d.log.Warn("PAT parse failed", "err", err)
		return
	}
	if len(pat.Programs) == 0 {
		return
	}
	pid := pat.Programs[0].ProgramMapID
	if d.havePAT && pid == d.pmtPID {
		return
	}
	if len(pat.Programs) > 1 {
		d.log.Warn("multiple programs in PAT, using first", "programs", len(pat.Programs))
	}
	d.pmtPID = pid
	d.havePAT = true
	d.havePMT = false
	d.pmtSections.Reset()
	d.log.Debug("program association", "pmt_pid", pid)
}

func (d *TransportStream) handlePMT(section []byte) {
	pmt, err := mpegts.ParsePMT(section)
	if err != nil {
		d.log.Warn("PMT parse failed", "err", err)
		return
	}

	video, audio, meta := uint16(pidNone), uint16(pidNone), uint16(pidNone)
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case mpegts.StreamTypeH264:
			if video == pidNone {
				video = es.ElementaryPID
			}
		case mpegts.StreamTypeADTS:
			if audio == pidNone {
				audio = es.ElementaryPID
			}
		case mpegts.StreamTypeMetadata:
			if meta == pidNone {
				meta = es.ElementaryPID
			}
		default:
			if !d.unsupported[es.StreamType] {
				d.unsupported[es.StreamType] = true
				d.log.Warn("unsupported stream type",
					"type", fmt.Sprintf("0x%02X", es.StreamType), "pid", es.ElementaryPID)
			}
		}
	}

	if d.havePMT && video == d.videoPID && audio == d.audioPID && meta == d.metaPID {
		return
	}
	if d.havePMT {
		// Elementary PIDs moved; restart reassembly on the new mapping.
		d.videoAsm.Reset()
		d.audioAsm.Reset()
		d.metaAsm.Reset()
		d.video.reset()
		d.audio.reset()
	}
	d.videoPID, d.audioPID, d.metaPID = video, audio, meta
	d.havePMT = true
	d.log.Info("program map",
		"video_pid", video, "audio_pid", audio, "metadata_pid", meta)
}

func (d *TransportStream) pushMeta(pes *mpegts.PES) {
	if len(pes.Data) == 0 || pes.PTS == nil {
		return
	}
	pts := pes.PTS.Base
	if d.haveMetaRef {
		pts = media.NormalizePTS(pts, d.lastMetaPTS)
	}
	d.lastMetaPTS = pts
	d.haveMetaRef = true
	dts := pts
	if pes.DTS != nil {
		dts = media.NormalizePTS(pes.DTS.Base, pts)
	}
	d.tracks.Meta.Samples = append(d.tracks.Meta.Samples, media.MetaSample{
		PTS:  pts,
		DTS:  dts,
		Data: pes.Data,
	})
}

func (d *TransportStream) noteAssembly(err error, stream string) {
	switch {
	case err == nil:
	case errors.Is(err, mpegts.ErrDuplicate):
		d.log.Debug("dropped duplicate packet", "stream", stream)
	case errors.Is(err, mpegts.ErrDiscontinuity):
		d.log.Debug("continuity counter gap", "stream", stream)
	case errors.Is(err, mpegts.ErrTransportErr):
		d.log.Debug("transport error flagged by packet", "stream", stream)
	default:
		d.log.Warn("PES parse failed", "stream", stream, "err", err)
	}
}

// ProbeTS reports whether data looks like an MPEG transport stream.
func ProbeTS(data []byte) bool {
	return mpegts.Probe(data)
}
