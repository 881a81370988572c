package engine

import (
	"errors"
	"log/slog"

	"github.com/zsiec/refract/internal/captions"
	"github.com/zsiec/refract/internal/demux"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/remux"
)

// errUnknownContainer reports fragment bytes that probe as neither MPEG-TS,
// ADTS, nor fragmented MP4.
var errUnknownContainer = errors.New("engine: unrecognized container format")

// transmuxPipeline adapts one demux+remux pair to the stream controller.
// The container is probed on the first fragment: MPEG-TS and ADTS input is
// demuxed and remuxed to fMP4, fMP4 input passes through. Caption SEI
// samples surfacing from the demuxer go to the dispatcher; they never ride
// the segment output.
type transmuxPipeline struct {
	log  *slog.Logger
	caps *captions.Dispatcher // nil when this pipeline carries no captions

	demuxer demux.Demuxer
	mp4     *remux.MP4
	pass    *remux.Passthrough

	// A timeline base handed over before the probe is held until the
	// remuxer exists.
	pendingBase *media.InitPTS
	havePending bool
}

func newTransmuxPipeline(caps *captions.Dispatcher, log *slog.Logger) *transmuxPipeline {
	if log == nil {
		log = slog.Default()
	}
	return &transmuxPipeline{log: log.With("component", "pipeline"), caps: caps}
}

// Process turns one fragment's bytes into init and media segments.
func (p *transmuxPipeline) Process(data []byte, timeOffset float64, contiguous, accurate bool) (*remux.Result, error) {
	if p.mp4 == nil && p.pass == nil {
		if err := p.probe(data); err != nil {
			return nil, err
		}
	}
	if p.pass != nil {
		return p.pass.Remux(data, timeOffset, contiguous)
	}

	if _, err := p.demuxer.Demux(data, timeOffset, contiguous); err != nil {
		return nil, err
	}
	set := p.demuxer.Flush()

	if p.caps != nil {
		p.caps.Process(set.Text.TakeSamples())
	} else {
		set.Text.TakeSamples()
	}
	// Timed metadata has no consumer; drain it so the track stays bounded.
	set.Meta.TakeSamples()

	return p.mp4.Remux(set, timeOffset, contiguous, accurate)
}

// probe selects the pipeline path from the first fragment's bytes.
func (p *transmuxPipeline) probe(data []byte) error {
	if d, ok := demux.Detect(data, p.log); ok {
		p.demuxer = d
		p.mp4 = remux.NewMP4(p.log)
		p.log.Debug("container probed", "passthrough", false)
	} else if remux.ProbeFMP4(data) {
		p.pass = remux.NewPassthrough(p.log)
		p.log.Debug("container probed", "passthrough", true)
	} else {
		return errUnknownContainer
	}
	if p.havePending {
		base := p.pendingBase
		p.pendingBase = nil
		p.havePending = false
		p.ResetTimestamp(base)
	}
	return nil
}

// ResetTimestamp discards timestamp continuity. A non-nil base adopts a
// companion pipeline's timeline anchor; before the probe it is held and
// applied when the remuxer is created.
func (p *transmuxPipeline) ResetTimestamp(base *media.InitPTS) {
	switch {
	case p.mp4 != nil:
		p.mp4.ResetTimestamp(base)
	case p.pass != nil:
		p.pass.ResetTimestamp(base)
	default:
		p.pendingBase = base
		p.havePending = true
	}
}

// ResetInitSegment forces init segment regeneration on next use. Before the
// probe this is a no-op: a fresh remuxer emits init segments anyway.
func (p *transmuxPipeline) ResetInitSegment() {
	switch {
	case p.mp4 != nil:
		p.mp4.ResetInitSegment()
	case p.pass != nil:
		p.pass.ResetInitSegment()
	}
}
