// Package remux repackages demuxed elementary streams as fragmented MP4.
// The MP4 remuxer converts track samples into init and media segments with
// continuous timestamps across fragment boundaries; the Passthrough remuxer
// relabels fMP4-native fragments without touching their samples.
package remux

import "github.com/zsiec/refract/internal/media"

// InitSegment is initialization data for one track configuration. A new one
// is emitted whenever the configuration generation changes.
type InitSegment struct {
	Type       media.TrackType
	Data       []byte
	Codec      string
	Generation int
}

// Segment is one remuxed media segment for a single track. Times are seconds
// on the output timeline (input 90 kHz timestamps shifted by the continuity
// group's init PTS).
type Segment struct {
	Type     media.TrackType
	Data     []byte
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
	Samples  int
	Keyframe bool // segment contains at least one sync sample
}

// Result is the output of one remux call. Any field may be nil: a track
// without new samples produces no segment, and init segments appear only on
// first use or configuration change. InitPTS is set on the call that
// discovered the timeline anchor.
type Result struct {
	InitVideo *InitSegment
	InitAudio *InitSegment
	Video     *Segment
	Audio     *Segment
	InitPTS   *media.InitPTS
}

// Empty reports whether the result carries no output at all.
func (r *Result) Empty() bool {
	return r.InitVideo == nil && r.InitAudio == nil &&
		r.Video == nil && r.Audio == nil && r.InitPTS == nil
}
