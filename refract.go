// Package refract is an HLS client that transmuxes MPEG-TS and ADTS
// renditions into fMP4. An Engine owns one playback session: it loads and
// reloads playlists, selects renditions, fetches and transmuxes fragments,
// and appends the output to an in-memory sink the caller drains. Decoded
// CEA-608/708 captions are delivered on a separate channel.
//
// The cmd/refract command and the programs under examples/ show complete
// sessions built on this surface.
package refract

import (
	"log/slog"

	"github.com/zsiec/refract/internal/captions"
	"github.com/zsiec/refract/internal/engine"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/playlist"
	"github.com/zsiec/refract/internal/sink"
)

// Engine is one playback session over one source URL. Construct with New,
// start with Open, observe Done and Err, read media from Sink and captions
// from Captions.
type Engine = engine.Engine

// Config tunes one Engine. The zero value gets workable defaults.
type Config = engine.Config

// New wires a session. Pass a nil logger to use slog.Default.
func New(cfg Config, log *slog.Logger) *Engine {
	return engine.New(cfg, log)
}

// Track identity and buffered ranges, as used by the Sink accessors.
type (
	TrackType = media.TrackType
	TimeRange = media.TimeRange
)

// Tracks a session produces.
const (
	TrackVideo = media.TrackVideo
	TrackAudio = media.TrackAudio
)

// Playlist model returned by Engine.Levels and Engine.AudioTracks.
type (
	Level          = playlist.Level
	LevelDetails   = playlist.LevelDetails
	Fragment       = playlist.Fragment
	AlternateTrack = playlist.AlternateTrack
)

// Sink is the in-memory segment buffer a session fills. Drain it with
// Segments and Flush, and advance the playback cursor with SetPosition so
// buffering keeps pace.
type Sink = sink.Memory

// Segment is one remuxed fMP4 media segment held by the Sink.
type Segment = sink.Segment

// Caption is one decoded caption cue from Engine.Captions.
type Caption = captions.ChannelOutput

// CaptionKind tags which caption system produced a cue.
type CaptionKind = captions.Kind

const (
	CaptionCEA608 = captions.KindCEA608
	CaptionCEA708 = captions.KindCEA708
)

// StreamError is the typed error surfaced by Engine.Err and Engine.Open.
type StreamError = event.StreamError

// ErrorKind classifies a StreamError.
type ErrorKind = event.Kind

const (
	ErrorLoad          = event.KindLoad
	ErrorParse         = event.KindParse
	ErrorCapacity      = event.KindCapacity
	ErrorConfiguration = event.KindConfiguration
	ErrorFatal         = event.KindFatal
)
