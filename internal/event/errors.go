package event

import (
	"fmt"

	"github.com/zsiec/refract/internal/playlist"
)

// Kind is the coarse error class. It decides which recovery path applies:
// loads retry and fail over, parse issues absorb locally, capacity shrinks
// or flushes the sink, configuration filters at selection time, and fatal
// halts the affected controller.
type Kind int

const (
	KindLoad Kind = iota
	KindParse
	KindCapacity
	KindConfiguration
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindParse:
		return "parse"
	case KindCapacity:
		return "capacity"
	case KindConfiguration:
		return "configuration"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Details identify the exact failure within a Kind.
const (
	DetailsManifestLoadError     = "manifestLoadError"
	DetailsManifestLoadTimeout   = "manifestLoadTimeout"
	DetailsManifestParsingError  = "manifestParsingError"
	DetailsLevelLoadError        = "levelLoadError"
	DetailsLevelLoadTimeout      = "levelLoadTimeout"
	DetailsLevelParsingError     = "levelParsingError"
	DetailsAudioTrackLoadError   = "audioTrackLoadError"
	DetailsAudioTrackLoadTimeout = "audioTrackLoadTimeout"
	DetailsFragLoadError         = "fragLoadError"
	DetailsFragLoadTimeout       = "fragLoadTimeout"
	DetailsFragParsingError      = "fragParsingError"
	DetailsKeyLoadError          = "keyLoadError"
	DetailsKeyLoadTimeout        = "keyLoadTimeout"
	DetailsKeySystemError        = "keySystemError"
	DetailsBufferFullError       = "bufferFullError"
	DetailsIncompatibleCodecs    = "incompatibleCodecs"
	DetailsInternalException     = "internalException"
)

// StreamError is the error payload carried on the bus. Level is -1 when the
// failure is not scoped to a rendition; Frag is nil when not scoped to a
// fragment.
type StreamError struct {
	Kind    Kind
	Details string
	Fatal   bool
	Level   int
	Frag    *playlist.Fragment
	Err     error
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("event: %s: %s", e.Kind, e.Details)
	if e.Level >= 0 {
		msg += fmt.Sprintf(" (level %d)", e.Level)
	}
	if e.Frag != nil {
		msg += fmt.Sprintf(" (sn %d)", e.Frag.SN)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error { return e.Err }
