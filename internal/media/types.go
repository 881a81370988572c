// Package media defines the elementary-stream data model shared by the
// demuxers and remuxers: typed tracks, samples, and the 90 kHz timestamp
// arithmetic used to keep presentation time continuous across fragment
// boundaries and 33-bit clock rollover.
package media

// TrackType identifies one logical elementary stream.
type TrackType uint8

// Logical track types produced by the demuxers.
const (
	TrackVideo TrackType = iota
	TrackAudio
	TrackMetadata
	TrackText
)

// String returns the lowercase track-type name used in logs and events.
func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackMetadata:
		return "metadata"
	case TrackText:
		return "text"
	default:
		return "unknown"
	}
}

// TimeRange is a half-open buffered interval [Start, End) in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Duration returns the range length in seconds.
func (r TimeRange) Duration() float64 { return r.End - r.Start }

// Contains reports whether pos falls inside the range.
func (r TimeRange) Contains(pos float64) bool {
	return pos >= r.Start && pos < r.End
}

// Container identifies the input container a track was demuxed from.
type Container uint8

// Supported input containers.
const (
	ContainerMPEGTS Container = iota
	ContainerADTS
	ContainerFMP4
)

// VideoSample is one access unit: the NAL units between two access-unit
// boundaries, with rollover-corrected 90 kHz timestamps.
type VideoSample struct {
	PTS      int64
	DTS      int64
	Keyframe bool
	NALUs    [][]byte // without start codes
	Length   int      // total NALU payload bytes
}

// AudioSample is one AAC frame with its raw frame payload (ADTS header
// stripped) and an extrapolated 90 kHz PTS.
type AudioSample struct {
	PTS  int64
	Data []byte
}

// MetaSample is one timed-metadata unit (an ID3 PES payload) or one
// caption payload (a SEI NAL) stamped with the enclosing PES timestamps.
type MetaSample struct {
	PTS  int64
	DTS  int64
	Data []byte
}

// VideoTrack accumulates demuxed access units plus the codec configuration
// discovered from the bitstream. A track is owned by exactly one
// demuxer+remuxer pipeline; Generation increments on every Reset so a stale
// handle held across a reconfiguration is detectable.
type VideoTrack struct {
	Container  Container
	Codec      string // RFC 6381, e.g. "avc1.64001f"
	TimeScale  int
	Generation uint32

	SPS    []byte
	PPS    []byte
	Width  int
	Height int

	Samples []VideoSample
	Bytes   int

	Dropped int // access units discarded for missing timestamps
}

// Reset clears samples and codec configuration and bumps the generation.
// Called on discontinuities and codec changes.
func (t *VideoTrack) Reset() {
	t.Codec = ""
	t.SPS = nil
	t.PPS = nil
	t.Width = 0
	t.Height = 0
	t.Samples = nil
	t.Bytes = 0
	t.Dropped = 0
	t.Generation++
}

// TakeSamples returns the accumulated samples and clears the track's sample
// buffer without touching codec configuration or generation.
func (t *VideoTrack) TakeSamples() []VideoSample {
	s := t.Samples
	t.Samples = nil
	t.Bytes = 0
	return s
}

// HasConfig reports whether parameter sets sufficient to describe the codec
// have been seen.
func (t *VideoTrack) HasConfig() bool {
	return len(t.SPS) > 0 && len(t.PPS) > 0
}

// AudioTrack accumulates demuxed AAC frames plus the configuration taken
// from the ADTS headers.
type AudioTrack struct {
	Container  Container
	Codec      string // RFC 6381, e.g. "mp4a.40.2"
	TimeScale  int
	Generation uint32

	SampleRate   int
	ChannelCount int
	ObjectType   uint8 // MPEG-4 audio object type (2 = AAC-LC)

	Samples []AudioSample
	Bytes   int

	Dropped int // frames discarded for missing timestamps
}

// Reset clears samples and configuration and bumps the generation.
func (t *AudioTrack) Reset() {
	t.Codec = ""
	t.SampleRate = 0
	t.ChannelCount = 0
	t.ObjectType = 0
	t.Samples = nil
	t.Bytes = 0
	t.Dropped = 0
	t.Generation++
}

// TakeSamples returns the accumulated frames and clears the sample buffer.
func (t *AudioTrack) TakeSamples() []AudioSample {
	s := t.Samples
	t.Samples = nil
	t.Bytes = 0
	return s
}

// HasConfig reports whether an ADTS header has established the sample rate.
func (t *AudioTrack) HasConfig() bool {
	return t.SampleRate > 0
}

// MetaTrack accumulates timed-metadata or caption samples. It carries no
// codec configuration.
type MetaTrack struct {
	Samples    []MetaSample
	Generation uint32
}

// Reset clears samples and bumps the generation.
func (t *MetaTrack) Reset() {
	t.Samples = nil
	t.Generation++
}

// TakeSamples returns the accumulated samples and clears the buffer.
func (t *MetaTrack) TakeSamples() []MetaSample {
	s := t.Samples
	t.Samples = nil
	return s
}

// TrackSet bundles the four per-type tracks owned by one pipeline instance.
// Demux calls append into it; the remuxer drains it via TakeSamples.
type TrackSet struct {
	Video *VideoTrack
	Audio *AudioTrack
	Meta  *MetaTrack
	Text  *MetaTrack
}

// NewTrackSet returns a TrackSet with all four tracks allocated for the
// given input container.
func NewTrackSet(c Container) *TrackSet {
	return &TrackSet{
		Video: &VideoTrack{Container: c, TimeScale: MPEGClockRate},
		Audio: &AudioTrack{Container: c, TimeScale: MPEGClockRate},
		Meta:  &MetaTrack{},
		Text:  &MetaTrack{},
	}
}

// Reset resets every track in the set.
func (s *TrackSet) Reset() {
	s.Video.Reset()
	s.Audio.Reset()
	s.Meta.Reset()
	s.Text.Reset()
}
