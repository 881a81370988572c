// Package demux converts container byte streams into elementary stream
// samples. The demuxers are incremental: fragments may be fed in arbitrary
// slices and every piece of cross-buffer state (partial packets, PES units,
// NAL units, ADTS frames, timestamp references) is carried so the output is
// identical however the stream is cut.
package demux

import (
	"log/slog"

	"github.com/zsiec/refract/internal/media"
)

// A Demuxer turns container bytes into elementary stream samples.
//
// Demux appends the samples completed by data to the returned track set;
// the same set is returned on every call and the caller drains it with
// TakeSamples. timeOffset is the playlist position of the fragment in
// seconds, used only by containers that carry no timestamps of their own.
// contiguous tells the demuxer that data directly follows the previous call's
// bytes; when false, carried parse state is discarded first.
type Demuxer interface {
	Demux(data []byte, timeOffset float64, contiguous bool) (*media.TrackSet, error)
	Flush() *media.TrackSet
	Reset()
}

// Detect probes data and returns a demuxer for the recognized container.
func Detect(data []byte, log *slog.Logger) (Demuxer, bool) {
	switch {
	case ProbeTS(data):
		return NewTransportStream(log), true
	case ProbeADTS(data):
		return NewADTS(log), true
	default:
		return nil, false
	}
}
