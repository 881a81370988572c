package remux

import (
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/refract/internal/media"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	// defaultVideoDuration stamps a lone video sample when no frame
	// interval has been observed yet (30 fps in 90 kHz ticks).
	defaultVideoDuration = media.MPEGClockRate / 30

	// maxSilentFillSeconds caps audio gap filling. Gaps beyond this are
	// jumped, not filled.
	maxSilentFillSeconds = 10
)

// MP4 remuxes elementary stream samples into fragmented MP4 segments.
//
// Per track it keeps the end timestamp of the last emitted segment; a
// contiguous call starts exactly there, anything else anchors to the
// caller's time offset. Init segments are regenerated only when a track's
// configuration generation moves.
type MP4 struct {
	log *slog.Logger

	initPTS     int64
	haveInitPTS bool

	videoGen      uint32
	audioGen      uint32
	haveVideoInit bool
	haveAudioInit bool

	nextVideoDTS int64 // 90 kHz, end of the last video segment
	haveVideoRef bool
	lastVideoDur int64

	nextAudioPTS int64 // audio timescale, end of the last audio segment
	audioRate    int
	haveAudioRef bool

	seq uint32
}

// NewMP4 returns a remuxer for one pipeline instance.
func NewMP4(log *slog.Logger) *MP4 {
	if log == nil {
		log = slog.Default()
	}
	return &MP4{log: log.With("component", "remux")}
}

// Remux drains the video and audio tracks of tracks and converts their
// samples into at most one media segment each. timeOffset is the fragment's
// playlist position in seconds; contiguous marks input that directly extends
// the previous call; accurate marks timeOffset as trustworthy for anchoring.
// Tracks without samples produce no output and no error.
func (r *MP4) Remux(tracks *media.TrackSet, timeOffset float64, contiguous, accurate bool) (*Result, error) {
	res := &Result{}

	vsamples := tracks.Video.TakeSamples()
	asamples := tracks.Audio.TakeSamples()

	if !r.haveInitPTS {
		base, ok := timelineBase(vsamples, asamples)
		if !ok {
			return res, nil
		}
		r.initPTS = base - media.FromSeconds(timeOffset)
		r.haveInitPTS = true
		res.InitPTS = &media.InitPTS{Base: r.initPTS}
		r.log.Debug("timeline anchored",
			"init_pts", r.initPTS, "time_offset", timeOffset)
	}

	if err := r.remuxVideo(tracks.Video, vsamples, timeOffset, contiguous, res); err != nil {
		return nil, err
	}
	if err := r.remuxAudio(tracks.Audio, asamples, timeOffset, contiguous, accurate, res); err != nil {
		return nil, err
	}
	return res, nil
}

// timelineBase picks the anchor timestamp for a continuity group: the
// earliest first timestamp across the tracks that have samples.
func timelineBase(video []media.VideoSample, audio []media.AudioSample) (int64, bool) {
	switch {
	case len(video) > 0 && len(audio) > 0:
		base := video[0].DTS
		if audio[0].PTS < base {
			base = audio[0].PTS
		}
		return base, true
	case len(video) > 0:
		return video[0].DTS, true
	case len(audio) > 0:
		return audio[0].PTS, true
	default:
		return 0, false
	}
}

// ResetTimestamp discards the per-track continuity references. With a
// non-nil basePTS the timeline anchor is adopted from a companion pipeline
// (alternate audio aligning to video); with nil the next Remux call
// re-derives it from its own samples.
func (r *MP4) ResetTimestamp(basePTS *media.InitPTS) {
	r.haveVideoRef = false
	r.haveAudioRef = false
	if basePTS != nil {
		r.initPTS = basePTS.Base
		r.haveInitPTS = true
	} else {
		r.haveInitPTS = false
	}
}

// ResetInitSegment forces regeneration of both init segments on next use.
func (r *MP4) ResetInitSegment() {
	r.haveVideoInit = false
	r.haveAudioInit = false
}

func (r *MP4) videoInit(t *media.VideoTrack, res *Result) error {
	if r.haveVideoInit && r.videoGen == t.Generation {
		return nil
	}
	init := fmp4.Init{Tracks: []*fmp4.InitTrack{{
		ID:        videoTrackID,
		TimeScale: media.MPEGClockRate,
		Codec:     &mp4.CodecH264{SPS: t.SPS, PPS: t.PPS},
	}}}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("remux: video init segment: %w", err)
	}
	res.InitVideo = &InitSegment{
		Type:       media.TrackVideo,
		Data:       buf.Bytes(),
		Codec:      t.Codec,
		Generation: int(t.Generation),
	}
	r.haveVideoInit = true
	r.videoGen = t.Generation
	r.log.Info("video init segment",
		"codec", t.Codec, "width", t.Width, "height", t.Height, "generation", t.Generation)
	return nil
}

func (r *MP4) audioInit(t *media.AudioTrack, res *Result) error {
	if r.haveAudioInit && r.audioGen == t.Generation {
		return nil
	}
	if r.haveAudioRef && r.audioRate > 0 && r.audioRate != t.SampleRate {
		// The lattice continues in the new timescale.
		r.nextAudioPTS = r.nextAudioPTS * int64(t.SampleRate) / int64(r.audioRate)
	}
	init := fmp4.Init{Tracks: []*fmp4.InitTrack{{
		ID:        audioTrackID,
		TimeScale: uint32(t.SampleRate),
		Codec: &mp4.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectType(t.ObjectType),
				SampleRate:   t.SampleRate,
				ChannelCount: t.ChannelCount,
			},
		},
	}}}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("remux: audio init segment: %w", err)
	}
	res.InitAudio = &InitSegment{
		Type:       media.TrackAudio,
		Data:       buf.Bytes(),
		Codec:      t.Codec,
		Generation: int(t.Generation),
	}
	r.haveAudioInit = true
	r.audioGen = t.Generation
	r.audioRate = t.SampleRate
	r.log.Info("audio init segment",
		"codec", t.Codec, "rate", t.SampleRate, "channels", t.ChannelCount, "generation", t.Generation)
	return nil
}

func (r *MP4) remuxVideo(t *media.VideoTrack, samples []media.VideoSample, timeOffset float64, contiguous bool, res *Result) error {
	if len(samples) == 0 {
		return nil
	}
	if !t.HasConfig() {
		r.log.Warn("dropping video samples without codec configuration", "samples", len(samples))
		return nil
	}
	if err := r.videoInit(t, res); err != nil {
		return err
	}

	start := media.FromSeconds(timeOffset)
	if contiguous && r.haveVideoRef {
		start = r.nextVideoDTS
	}
	if start < 0 {
		start = 0
	}

	n := len(samples)
	outDTS := make([]int64, n)
	outPTS := make([]int64, n)
	for i, s := range samples {
		outDTS[i] = s.DTS - r.initPTS
		outPTS[i] = s.PTS - r.initPTS
	}
	if drift := outDTS[0] - start; drift < -defaultVideoDuration || drift > defaultVideoDuration {
		r.log.Debug("video timeline drift", "ticks", drift, "contiguous", contiguous)
	}

	// Durations come from decode timestamp deltas. The first absorbs the
	// difference between the stream position and the segment start; the
	// last reuses the previous interval.
	durs := make([]int64, n)
	for i := 0; i < n-1; i++ {
		durs[i] = outDTS[i+1] - outDTS[i]
		if durs[i] <= 0 {
			durs[i] = 1
		}
	}
	if n > 1 {
		durs[0] = outDTS[1] - start
		if durs[0] <= 0 {
			durs[0] = 1
		}
		durs[n-1] = durs[n-2]
	} else {
		durs[0] = r.lastVideoDur
		if durs[0] <= 0 {
			durs[0] = defaultVideoDuration
		}
	}

	fsamples := make([]*fmp4.Sample, n)
	keyframe := false
	dts := start
	startPTS, endPTS := outPTS[0], outPTS[0]+durs[0]
	for i, s := range samples {
		payload, err := h264.AVCC(s.NALUs).Marshal()
		if err != nil {
			return fmt.Errorf("remux: AVCC payload: %w", err)
		}
		fsamples[i] = &fmp4.Sample{
			Duration:        uint32(durs[i]),
			PTSOffset:       int32(outPTS[i] - dts),
			IsNonSyncSample: !s.Keyframe,
			Payload:         payload,
		}
		keyframe = keyframe || s.Keyframe
		if outPTS[i] < startPTS {
			startPTS = outPTS[i]
		}
		if end := outPTS[i] + durs[i]; end > endPTS {
			endPTS = end
		}
		dts += durs[i]
	}

	part := fmp4.Part{
		SequenceNumber: r.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: uint64(start),
			Samples:  fsamples,
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("remux: video segment: %w", err)
	}
	r.seq++
	r.lastVideoDur = durs[n-1]
	r.nextVideoDTS = dts
	r.haveVideoRef = true

	res.Video = &Segment{
		Type:     media.TrackVideo,
		Data:     buf.Bytes(),
		StartPTS: media.ToSeconds(startPTS),
		EndPTS:   media.ToSeconds(endPTS),
		StartDTS: media.ToSeconds(start),
		EndDTS:   media.ToSeconds(dts),
		Samples:  n,
		Keyframe: keyframe,
	}
	return nil
}

// remuxAudio lays AAC frames on an exact 1024-sample lattice in the audio
// timescale. Forward gaps are filled with silence, frames behind the lattice
// are dropped; rendered positions and bookkeeping therefore never diverge.
func (r *MP4) remuxAudio(t *media.AudioTrack, samples []media.AudioSample, timeOffset float64, contiguous, accurate bool, res *Result) error {
	if len(samples) == 0 {
		return nil
	}
	if !t.HasConfig() {
		r.log.Warn("dropping audio samples without codec configuration", "samples", len(samples))
		return nil
	}
	if err := r.audioInit(t, res); err != nil {
		return err
	}

	rate := int64(t.SampleRate)
	toAudio := func(ts90 int64) int64 { return ts90 * rate / media.MPEGClockRate }
	const frameDur = mpeg4audio.SamplesPerAccessUnit
	maxFill := int64(maxSilentFillSeconds) * rate

	tracking := contiguous && r.haveAudioRef
	base := toAudio(media.FromSeconds(timeOffset))
	switch {
	case tracking:
		base = r.nextAudioPTS
	case !accurate:
		// The offset is a hint only; trust the stream.
		base = toAudio(samples[0].PTS - r.initPTS)
	}
	if base < 0 {
		base = 0
	}

	silent := SilentFrame(t.ChannelCount)
	var fsamples []*fmp4.Sample
	pts := base
	dropped, filled := 0, 0
	for _, s := range samples {
		in := toAudio(s.PTS - r.initPTS)
		delta := in - pts
		switch {
		case delta < -frameDur/2:
			// Behind the lattice: already covered by emitted audio.
			dropped++
			continue
		case delta > frameDur && silent != nil && delta <= maxFill:
			missing := int((delta + frameDur/2) / frameDur)
			for i := 0; i < missing; i++ {
				fsamples = append(fsamples, &fmp4.Sample{
					Duration: frameDur,
					Payload:  silent,
				})
			}
			pts += int64(missing) * frameDur
			filled += missing
		case delta > frameDur:
			r.log.Warn("audio gap not fillable, drift absorbed",
				"gap_s", float64(delta)/float64(rate), "channels", t.ChannelCount)
		}
		fsamples = append(fsamples, &fmp4.Sample{
			Duration: frameDur,
			Payload:  s.Data,
		})
		pts += frameDur
	}
	if dropped > 0 {
		r.log.Debug("dropped audio frames behind timeline", "frames", dropped)
	}
	if filled > 0 {
		r.log.Info("filled audio gap with silence", "frames", filled)
	}
	if len(fsamples) == 0 {
		return nil
	}

	part := fmp4.Part{
		SequenceNumber: r.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       audioTrackID,
			BaseTime: uint64(base),
			Samples:  fsamples,
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("remux: audio segment: %w", err)
	}
	r.seq++
	r.nextAudioPTS = pts
	r.haveAudioRef = true

	startS := float64(base) / float64(rate)
	endS := float64(pts) / float64(rate)
	res.Audio = &Segment{
		Type:     media.TrackAudio,
		Data:     buf.Bytes(),
		StartPTS: startS,
		EndPTS:   endS,
		StartDTS: startS,
		EndDTS:   endS,
		Samples:  len(fsamples),
	}
	return nil
}
