package event

import (
	"errors"
	"testing"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/playlist"
)

func TestBusDispatchOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var got []int
	bus.Subscribe(TypeLevelSwitching, func(ev Event) {
		got = append(got, 1)
		if ev.(LevelSwitching).Level != 3 {
			t.Errorf("level = %d, want 3", ev.(LevelSwitching).Level)
		}
	})
	bus.Subscribe(TypeLevelSwitching, func(Event) {
		got = append(got, 2)
	})
	bus.Subscribe(TypeError, func(Event) {
		t.Error("error handler fired for levelSwitching event")
	})

	bus.Publish(LevelSwitching{Level: 3})

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("dispatch order = %v, want [1 2]", got)
	}
}

func TestBusNoSubscribers(t *testing.T) {
	t.Parallel()

	NewBus().Publish(BufferFlushed{TrackType: media.TrackVideo})
}

func TestStreamErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	e := &StreamError{
		Kind:    KindLoad,
		Details: DetailsFragLoadError,
		Level:   2,
		Frag:    &playlist.Fragment{SN: 105},
		Err:     cause,
	}
	want := "event: load: fragLoadError (level 2) (sn 105): connection refused"
	if e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, cause) {
		t.Fatal("Unwrap lost the cause")
	}

	bare := &StreamError{Kind: KindCapacity, Details: DetailsBufferFullError, Level: -1}
	if bare.Error() != "event: capacity: bufferFullError" {
		t.Fatalf("Error() = %q", bare.Error())
	}
}

func TestTypeStrings(t *testing.T) {
	t.Parallel()

	for ty, want := range map[Type]string{
		TypeManifestParsed: "manifestParsed",
		TypeInitPTSFound:   "initPTSFound",
		TypeError:          "error",
		Type(99):           "unknown",
	} {
		if ty.String() != want {
			t.Errorf("Type(%d).String() = %q, want %q", int(ty), ty.String(), want)
		}
	}
}
