package remux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/refract/internal/media"
)

// ErrNoInitSegment reports a media fragment arriving before any
// initialization segment.
var ErrNoInitSegment = errors.New("remux: media fragment before init segment")

// fragmentBoxes are top-level box types that only occur in media fragments.
// Everything preceding the first one belongs to the initialization segment.
var fragmentBoxes = map[string]bool{
	"styp": true,
	"sidx": true,
	"moof": true,
	"mdat": true,
	"emsg": true,
	"prft": true,
}

// Passthrough forwards fragmented MP4 renditions unchanged and derives
// segment timing from their moof boxes. Muxed fragments surface as a single
// video segment. The timeline anchor is computed once from the first media
// fragment and a ResetTimestamp governs rediscovery.
type Passthrough struct {
	log *slog.Logger

	tracks     map[int]passTrack
	videoCodec string
	audioCodec string
	hasVideo   bool
	hasAudio   bool
	initData   []byte
	initSent   bool
	generation int

	initPTS     float64 // seconds subtracted from stream timestamps
	haveInitPTS bool

	lastEnd float64
	haveRef bool
}

type passTrack struct {
	kind      media.TrackType
	timescale uint32
}

// NewPassthrough returns a passthrough remuxer for one pipeline instance.
func NewPassthrough(log *slog.Logger) *Passthrough {
	if log == nil {
		log = slog.Default()
	}
	return &Passthrough{log: log.With("component", "remux")}
}

// ProbeFMP4 reports whether data starts with an ISO-BMFF box that can open
// a fragmented MP4 stream.
func ProbeFMP4(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	size := binary.BigEndian.Uint32(data)
	if size != 0 && size != 1 && size < 8 {
		return false
	}
	switch string(data[4:8]) {
	case "ftyp", "styp", "moov", "moof", "sidx", "emsg", "prft", "free", "skip":
		return true
	}
	return false
}

// Remux accepts initialization bytes, media fragment bytes, or both
// concatenated. Init boxes update the track map and are re-emitted;
// media boxes are forwarded unchanged with timing shifted onto the output
// timeline. timeOffset is the fragment's playlist position in seconds.
func (r *Passthrough) Remux(data []byte, timeOffset float64, contiguous bool) (*Result, error) {
	res := &Result{}

	initEnd, err := splitInit(data)
	if err != nil {
		return nil, err
	}
	if initEnd > 0 {
		if err := r.parseInit(data[:initEnd]); err != nil {
			return nil, err
		}
	}
	if !r.initSent && len(r.initData) > 0 {
		seg := &InitSegment{Data: r.initData, Generation: r.generation}
		switch {
		case r.hasVideo && r.hasAudio:
			seg.Type = media.TrackVideo
			seg.Codec = r.videoCodec + "," + r.audioCodec
			res.InitVideo = seg
		case r.hasVideo:
			seg.Type = media.TrackVideo
			seg.Codec = r.videoCodec
			res.InitVideo = seg
		default:
			seg.Type = media.TrackAudio
			seg.Codec = r.audioCodec
			res.InitAudio = seg
		}
		r.initSent = true
	}

	frag := data[initEnd:]
	if len(frag) == 0 {
		return res, nil
	}
	if r.tracks == nil {
		return nil, ErrNoInitSegment
	}

	// Parts.Unmarshal wants bare moof+mdat pairs, so strip styp and
	// friends from a parsing copy. The forwarded bytes stay untouched.
	var parseBuf []byte
	err = walkBoxes(frag, func(name string, box []byte) {
		if name == "moof" || name == "mdat" {
			parseBuf = append(parseBuf, box...)
		}
	})
	if err != nil {
		return nil, err
	}
	var parts fmp4.Parts
	if err := parts.Unmarshal(parseBuf); err != nil {
		return nil, fmt.Errorf("remux: media fragment: %w", err)
	}

	var video, audio fragSpan
	for _, part := range parts {
		for _, pt := range part.Tracks {
			tk, ok := r.tracks[pt.ID]
			if !ok {
				continue
			}
			sp := &audio
			if tk.kind == media.TrackVideo {
				sp = &video
			}
			sp.add(pt, tk.timescale)
		}
	}
	primary := &video
	if !video.have {
		primary = &audio
	}
	if !primary.have {
		return res, nil
	}

	if !r.haveInitPTS {
		anchor := primary.start
		if video.have && audio.have && audio.start < anchor {
			anchor = audio.start
		}
		r.initPTS = anchor - timeOffset
		r.haveInitPTS = true
		res.InitPTS = &media.InitPTS{Base: media.FromSeconds(r.initPTS)}
		r.log.Debug("timeline anchored",
			"init_pts_s", r.initPTS, "time_offset", timeOffset)
	}

	start := primary.start - r.initPTS
	end := primary.end - r.initPTS
	if contiguous && r.haveRef {
		if d := start - r.lastEnd; d > 0.1 || d < -0.1 {
			r.log.Debug("passthrough timeline drift", "seconds", d)
		}
	}
	r.lastEnd = end
	r.haveRef = true

	seg := &Segment{
		Data:     frag,
		StartPTS: start,
		EndPTS:   end,
		StartDTS: start,
		EndDTS:   end,
		Samples:  primary.samples,
	}
	if video.have {
		seg.Type = media.TrackVideo
		seg.Keyframe = video.key
		res.Video = seg
	} else {
		seg.Type = media.TrackAudio
		res.Audio = seg
	}
	return res, nil
}

// ResetTimestamp discards the continuity reference. A non-nil basePTS adopts
// a companion pipeline's anchor; nil forces rediscovery from the next
// fragment.
func (r *Passthrough) ResetTimestamp(basePTS *media.InitPTS) {
	r.haveRef = false
	if basePTS != nil {
		r.initPTS = media.ToSeconds(basePTS.Base)
		r.haveInitPTS = true
	} else {
		r.haveInitPTS = false
	}
}

// ResetInitSegment re-emits the stored init segment on the next Remux call.
func (r *Passthrough) ResetInitSegment() {
	r.initSent = false
}

func (r *Passthrough) parseInit(data []byte) error {
	var ini fmp4.Init
	if err := ini.Unmarshal(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("remux: init segment: %w", err)
	}

	tracks := make(map[int]passTrack, len(ini.Tracks))
	r.hasVideo, r.hasAudio = false, false
	r.videoCodec, r.audioCodec = "", ""
	for _, tk := range ini.Tracks {
		switch c := tk.Codec.(type) {
		case *mp4.CodecH264:
			tracks[tk.ID] = passTrack{kind: media.TrackVideo, timescale: tk.TimeScale}
			r.hasVideo = true
			r.videoCodec = avcCodecString(c.SPS)
		case *mp4.CodecMPEG4Audio:
			tracks[tk.ID] = passTrack{kind: media.TrackAudio, timescale: tk.TimeScale}
			r.hasAudio = true
			r.audioCodec = fmt.Sprintf("mp4a.40.%d", c.Config.Type)
		default:
			r.log.Warn("ignoring track with unsupported codec", "track", tk.ID)
		}
	}
	if len(tracks) == 0 {
		return errors.New("remux: init segment has no supported tracks")
	}

	r.tracks = tracks
	r.initData = data
	r.initSent = false
	r.generation++
	r.log.Info("passthrough init segment",
		"tracks", len(tracks), "video", r.videoCodec, "audio", r.audioCodec,
		"generation", r.generation)
	return nil
}

// fragSpan aggregates one track kind's timing across the moof boxes of a
// fragment.
type fragSpan struct {
	start   float64
	end     float64
	samples int
	key     bool
	have    bool
}

func (sp *fragSpan) add(pt *fmp4.PartTrack, timescale uint32) {
	ts := float64(timescale)
	start := float64(pt.BaseTime) / ts
	var dur uint64
	for _, s := range pt.Samples {
		dur += uint64(s.Duration)
		if !s.IsNonSyncSample {
			sp.key = true
		}
	}
	end := start + float64(dur)/ts
	if !sp.have || start < sp.start {
		sp.start = start
	}
	if !sp.have || end > sp.end {
		sp.end = end
	}
	sp.samples += len(pt.Samples)
	sp.have = true
}

func avcCodecString(sps []byte) string {
	if len(sps) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3])
}

// splitInit returns the length of the leading initialization portion of
// data: everything before the first fragment-level box.
func splitInit(data []byte) (int, error) {
	off := 0
	for off+8 <= len(data) {
		size, name, err := boxHeader(data[off:])
		if err != nil {
			return 0, err
		}
		if fragmentBoxes[name] {
			return off, nil
		}
		off += size
	}
	if off != len(data) {
		return 0, errors.New("remux: truncated box header")
	}
	return off, nil
}

// walkBoxes calls fn for each top-level box in data, passing the complete
// box including its header.
func walkBoxes(data []byte, fn func(name string, box []byte)) error {
	off := 0
	for off+8 <= len(data) {
		size, name, err := boxHeader(data[off:])
		if err != nil {
			return err
		}
		fn(name, data[off:off+size])
		off += size
	}
	if off != len(data) {
		return errors.New("remux: truncated box header")
	}
	return nil
}

func boxHeader(data []byte) (int, string, error) {
	size := uint64(binary.BigEndian.Uint32(data))
	name := string(data[4:8])
	hdr := uint64(8)
	switch size {
	case 0:
		size = uint64(len(data))
	case 1:
		if len(data) < 16 {
			return 0, "", fmt.Errorf("remux: truncated large box %q", name)
		}
		size = binary.BigEndian.Uint64(data[8:])
		hdr = 16
	}
	if size < hdr || size > uint64(len(data)) {
		return 0, "", fmt.Errorf("remux: malformed box %q", name)
	}
	return int(size), name, nil
}
