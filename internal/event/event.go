// Package event carries typed messages between controllers. Controllers
// never read each other's state; everything they need to know arrives as
// an event payload on the bus.
package event

import (
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/playlist"
)

// Type tags every event on the bus.
type Type int

const (
	TypeManifestParsed Type = iota
	TypeLevelSwitching
	TypeLevelLoaded
	TypeFragLoaded
	TypeKeyLoaded
	TypeInitPTSFound
	TypeBufferAppended
	TypeBufferFlushed
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeManifestParsed:
		return "manifestParsed"
	case TypeLevelSwitching:
		return "levelSwitching"
	case TypeLevelLoaded:
		return "levelLoaded"
	case TypeFragLoaded:
		return "fragLoaded"
	case TypeKeyLoaded:
		return "keyLoaded"
	case TypeInitPTSFound:
		return "initPTSFound"
	case TypeBufferAppended:
		return "bufferAppended"
	case TypeBufferFlushed:
		return "bufferFlushed"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is any payload with a bus tag.
type Event interface {
	Type() Type
}

// ManifestParsed announces the master manifest after parsing.
type ManifestParsed struct {
	Manifest *playlist.Manifest
}

// LevelSwitching announces that the rendition controller selected a new
// level; pipelines align their next load to it.
type LevelSwitching struct {
	Level int
}

// LevelLoaded carries freshly parsed level details. Stats reflect the
// playlist request so live reload timers can subtract the request latency.
type LevelLoaded struct {
	Level   int
	Details *playlist.LevelDetails
	Stats   loader.Stats
}

// FragLoaded carries a fully buffered fragment payload.
type FragLoaded struct {
	Frag  *playlist.Fragment
	Data  []byte
	Stats loader.Stats
}

// KeyLoaded announces decryption key material for a fragment.
type KeyLoaded struct {
	Frag *playlist.Fragment
	Key  []byte
}

// InitPTSFound publishes the shared timeline origin for one continuity
// group. Alternate-track controllers blocked in WAITING_INIT_PTS resume
// on it.
type InitPTSFound struct {
	CC      int
	InitPTS media.InitPTS
}

// BufferAppended confirms a completed sink append.
type BufferAppended struct {
	TrackType media.TrackType
	Frag      *playlist.Fragment
}

// BufferFlushed confirms a completed sink flush for one track type.
type BufferFlushed struct {
	TrackType media.TrackType
}

// Error carries a classified failure.
type Error struct {
	Err *StreamError
}

func (ManifestParsed) Type() Type { return TypeManifestParsed }
func (LevelSwitching) Type() Type { return TypeLevelSwitching }
func (LevelLoaded) Type() Type    { return TypeLevelLoaded }
func (FragLoaded) Type() Type     { return TypeFragLoaded }
func (KeyLoaded) Type() Type      { return TypeKeyLoaded }
func (InitPTSFound) Type() Type   { return TypeInitPTSFound }
func (BufferAppended) Type() Type { return TypeBufferAppended }
func (BufferFlushed) Type() Type  { return TypeBufferFlushed }
func (Error) Type() Type          { return TypeError }

// Bus dispatches events synchronously in subscription order. It is owned
// by the engine's run loop and is not safe for concurrent use; async
// producers hand their results to the loop, which publishes.
type Bus struct {
	handlers map[Type][]func(Event)
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]func(Event))}
}

// Subscribe registers fn for events of type t.
func (b *Bus) Subscribe(t Type, fn func(Event)) {
	b.handlers[t] = append(b.handlers[t], fn)
}

// Publish delivers ev to every subscriber of its type before returning.
func (b *Bus) Publish(ev Event) {
	for _, fn := range b.handlers[ev.Type()] {
		fn(ev)
	}
}
