// Package playlist models HLS manifests: levels, alternate tracks, media
// playlist details, and fragments. Parsing delegates the manifest grammar to
// github.com/grafov/m3u8; this package only maps the decoded form onto the
// engine's data model.
package playlist

import (
	"encoding/binary"
	"strings"
	"time"
)

// ByteRange addresses a sub-range of a fragment resource.
type ByteRange struct {
	Length int64
	Offset int64
}

// Key describes the encryption applied to a fragment.
type Key struct {
	Method string // "AES-128" or "SAMPLE-AES"
	URL    string
	IV     []byte // nil when derived from the sequence number
	Format string
}

// IVForSN returns the initialization vector for a fragment: the explicit IV
// when the playlist carried one, otherwise the big-endian sequence number in
// the low 8 bytes.
func (k *Key) IVForSN(sn int64) []byte {
	if len(k.IV) > 0 {
		return k.IV
	}
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(sn))
	return iv
}

// InitMap addresses a media initialization section (EXT-X-MAP).
type InitMap struct {
	URL       string
	ByteRange *ByteRange
}

// ElementaryStreams records which elementary streams a fragment actually
// carried, discovered at parse time.
type ElementaryStreams struct {
	Video bool
	Audio bool
}

// Fragment is one manifest-listed media segment. Identity fields are fixed
// at parse; Start may shift when live refreshes re-anchor the timeline.
type Fragment struct {
	SN       int64
	CC       int
	Level    int
	URL      string
	Duration float64
	Start    float64
	Title    string

	ByteRange       *ByteRange
	Key             *Key
	InitMap         *InitMap
	ProgramDateTime time.Time

	Elementary ElementaryStreams
}

// End returns the fragment's end position on the playlist timeline.
func (f *Fragment) End() float64 {
	return f.Start + f.Duration
}

// LevelDetails is one parsed media playlist: the fragment list plus the
// attributes the controllers schedule from.
type LevelDetails struct {
	Fragments []*Fragment

	StartSN int64
	EndSN   int64
	StartCC int
	EndCC   int

	TargetDuration  float64
	Live            bool
	PTSKnown        bool
	StartTimeOffset float64
	Map             *InitMap
}

// FragmentBySN returns the fragment with the given sequence number, nil when
// outside the window.
func (d *LevelDetails) FragmentBySN(sn int64) *Fragment {
	i := sn - d.StartSN
	if i < 0 || i >= int64(len(d.Fragments)) {
		return nil
	}
	return d.Fragments[i]
}

// FragmentAt returns the first fragment still covering pos, skipping any
// fragment whose remaining coverage past pos is within tolerance. Nil when
// pos is past the end of the window.
func (d *LevelDetails) FragmentAt(pos, tolerance float64) *Fragment {
	for _, f := range d.Fragments {
		if pos < f.End()-tolerance {
			return f
		}
	}
	return nil
}

// TotalDuration returns the playlist window length in seconds.
func (d *LevelDetails) TotalDuration() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	last := d.Fragments[len(d.Fragments)-1]
	return last.End() - d.Fragments[0].Start
}

// Edge returns the window end position, the live playhead reference.
func (d *LevelDetails) Edge() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[len(d.Fragments)-1].End()
}

// Level is one quality variant. URLs lists the primary URL plus any
// redundant streams folded in by the rendition controller; URLIndex selects
// the active one. Error bookkeeping belongs to the rendition controller.
type Level struct {
	Bitrate   int
	Codecs    string
	Width     int
	Height    int
	FrameRate float64
	Name      string

	AudioGroup    string
	SubtitleGroup string

	URLs     []string
	URLIndex int

	Details *LevelDetails

	LoadError     int
	FragmentError bool
}

// URL returns the active variant URL.
func (l *Level) URL() string {
	if len(l.URLs) == 0 {
		return ""
	}
	return l.URLs[l.URLIndex%len(l.URLs)]
}

// VideoCodec returns the first video codec in the level's CODECS attribute,
// empty for audio-only levels.
func (l *Level) VideoCodec() string {
	return firstCodec(l.Codecs, videoCodecPrefixes)
}

// AudioCodec returns the first audio codec in the level's CODECS attribute.
func (l *Level) AudioCodec() string {
	return firstCodec(l.Codecs, audioCodecPrefixes)
}

var (
	videoCodecPrefixes = []string{"avc1", "avc3", "hvc1", "hev1", "av01", "vp09", "mp4v"}
	audioCodecPrefixes = []string{"mp4a", "ac-3", "ec-3", "opus", "flac"}
)

func firstCodec(codecs string, prefixes []string) string {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		for _, p := range prefixes {
			if strings.HasPrefix(c, p) {
				return c
			}
		}
	}
	return ""
}

// AlternateTrack is one EXT-X-MEDIA rendition (alternate audio or
// subtitles).
type AlternateTrack struct {
	Type     string // "AUDIO" or "SUBTITLES"
	GroupID  string
	Name     string
	Language string
	Default  bool
	URL      string

	Details *LevelDetails
}

// Manifest is the parsed top-level playlist: one level per variant (the
// rendition controller folds redundant variants), plus alternate renditions.
type Manifest struct {
	Levels    []*Level
	Audio     []*AlternateTrack
	Subtitles []*AlternateTrack
}
