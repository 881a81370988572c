package level

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/playlist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func captureBus() (*event.Bus, *[]event.Event) {
	bus := event.NewBus()
	got := &[]event.Event{}
	for _, ty := range []event.Type{event.TypeLevelSwitching, event.TypeLevelLoaded, event.TypeError} {
		bus.Subscribe(ty, func(ev event.Event) { *got = append(*got, ev) })
	}
	return bus, got
}

func fixedClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func liveDetails(startSN, endSN int64, td float64) *playlist.LevelDetails {
	d := &playlist.LevelDetails{
		StartSN: startSN, EndSN: endSN,
		TargetDuration: td,
		Live:           true,
	}
	start := 0.0
	for sn := startSN; sn <= endSN; sn++ {
		d.Fragments = append(d.Fragments, &playlist.Fragment{SN: sn, Start: start, Duration: td})
		start += td
	}
	return d
}

func TestProcessManifestDedupe(t *testing.T) {
	t.Parallel()

	bus, _ := captureBus()
	c := NewController(Config{}, bus, testLogger())

	man := &playlist.Manifest{Levels: []*playlist.Level{
		{Bitrate: 2500000, Codecs: "avc1.64001F,mp4a.40.2", URLs: []string{"https://a/mid.m3u8"}},
		{Bitrate: 800000, Codecs: "avc1.42C01E,mp4a.40.2", URLs: []string{"https://a/low.m3u8"}},
		{Bitrate: 800000, Codecs: "avc1.42C01E,mp4a.40.2", URLs: []string{"https://b/low.m3u8"}},
	}}
	require.NoError(t, c.ProcessManifest(man))

	require.Len(t, c.Levels(), 2, "matching bitrate+codecs collapse into one level")
	assert.Equal(t, 800000, c.Levels()[0].Bitrate, "levels sort by ascending bitrate")
	assert.Equal(t, []string{"https://a/low.m3u8", "https://b/low.m3u8"}, c.Levels()[0].URLs)
	assert.Equal(t, 0, c.CurrentLevel())
}

func TestProcessManifestAmbiguity(t *testing.T) {
	t.Parallel()

	bus, _ := captureBus()
	c := NewController(Config{}, bus, testLogger())

	man := &playlist.Manifest{Levels: []*playlist.Level{
		{Bitrate: 800000, Codecs: "avc1.42C01E,mp4a.40.2", Width: 640, Height: 360, URLs: []string{"https://a/av.m3u8"}},
		{Bitrate: 128000, Codecs: "mp4a.40.2", URLs: []string{"https://a/audio.m3u8"}},
		{Bitrate: 400000, URLs: []string{"https://a/unsignaled.m3u8"}},
	}}
	require.NoError(t, c.ProcessManifest(man))

	require.Len(t, c.Levels(), 2, "audio-only levels drop when A/V levels exist")
	for _, l := range c.Levels() {
		assert.NotEqual(t, "mp4a.40.2", l.Codecs)
	}
}

func TestProcessManifestUnsupported(t *testing.T) {
	t.Parallel()

	bus, _ := captureBus()
	c := NewController(Config{
		Supported: func(*playlist.Level) bool { return false },
	}, bus, testLogger())

	err := c.ProcessManifest(&playlist.Manifest{Levels: []*playlist.Level{
		{Bitrate: 800000, Codecs: "avc1.42C01E", URLs: []string{"https://a/low.m3u8"}},
	}})
	var se *event.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, event.KindConfiguration, se.Kind)
	assert.Equal(t, event.DetailsIncompatibleCodecs, se.Details)
	assert.True(t, se.Fatal)
}

func TestFailoverRotationOrder(t *testing.T) {
	t.Parallel()

	bus, got := captureBus()
	c := NewController(Config{}, bus, testLogger())
	c.levels = []*playlist.Level{
		{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}},
		{Bitrate: 800000, URLs: []string{"https://a/hi.m3u8", "https://b/hi.m3u8", "https://c/hi.m3u8"}},
	}
	c.SetCurrentLevel(1)
	*got = nil

	loadErr := func() *event.StreamError {
		return &event.StreamError{Kind: event.KindLoad, Details: event.DetailsLevelLoadError, Level: 1}
	}

	c.OnError(loadErr(), false)
	assert.Equal(t, "https://b/hi.m3u8", c.Level(1).URL(), "first failure rotates to the second source")
	assert.Nil(t, c.Level(1).Details)
	assert.Equal(t, 1, c.CurrentLevel())

	c.OnError(loadErr(), false)
	assert.Equal(t, "https://c/hi.m3u8", c.Level(1).URL(), "second failure rotates to the third source")
	assert.Equal(t, 1, c.CurrentLevel())

	c.OnError(loadErr(), false)
	assert.Equal(t, 0, c.CurrentLevel(), "a failure after every source was tried abandons the level")

	require.NotEmpty(t, *got)
	last := (*got)[len(*got)-1]
	sw, ok := last.(event.LevelSwitching)
	require.True(t, ok, "last event = %T, want LevelSwitching", last)
	assert.Equal(t, 0, sw.Level)
}

func TestLiveReloadScheduling(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus, _ := captureBus()
	c := NewController(Config{}, bus, testLogger())
	c.now = fixedClock(t0)
	c.levels = []*playlist.Level{{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}}}
	c.SetCurrentLevel(0)

	stats := loader.Stats{RequestTime: t0, ResponseTime: t0.Add(500 * time.Millisecond)}

	c.OnLevelLoaded(0, liveDetails(1, 3, 6), stats)
	assert.Equal(t, t0.Add(5500*time.Millisecond), c.reloadAt,
		"interval = target duration minus request latency")

	c.OnLevelLoaded(0, liveDetails(1, 3, 6), stats)
	assert.Equal(t, t0.Add(2500*time.Millisecond), c.reloadAt,
		"an unchanged end sequence halves the interval")

	c.OnLevelLoaded(0, liveDetails(1, 3, 1.5), stats)
	c.OnLevelLoaded(0, liveDetails(1, 3, 1.5), stats)
	assert.Equal(t, t0.Add(time.Second), c.reloadAt, "interval floors at one second")
}

func TestLiveRetryWhenBuffered(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus, got := captureBus()
	c := NewController(Config{RetryDelay: 2 * time.Second}, bus, testLogger())
	c.now = fixedClock(t0)
	c.levels = []*playlist.Level{{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}}}
	c.SetCurrentLevel(0)
	c.levels[0].Details = liveDetails(1, 3, 6)
	*got = nil

	c.OnError(&event.StreamError{Kind: event.KindLoad, Details: event.DetailsLevelLoadTimeout, Level: 0}, true)
	assert.Equal(t, t0.Add(2*time.Second), c.reloadAt, "buffered live playback waits out the hiccup")
	assert.Empty(t, *got, "no fatal escalation while retrying")

	c.OnError(&event.StreamError{Kind: event.KindLoad, Details: event.DetailsLevelLoadTimeout, Level: 0}, false)
	require.Len(t, *got, 1, "no buffer to burn escalates to fatal")
	ev, ok := (*got)[0].(event.Error)
	require.True(t, ok)
	assert.True(t, ev.Err.Fatal)
	assert.Equal(t, event.KindFatal, ev.Err.Kind)
	assert.Equal(t, event.DetailsLevelLoadTimeout, ev.Err.Details)
}

func TestManualPinBlocksDownswitch(t *testing.T) {
	t.Parallel()

	bus, got := captureBus()
	c := NewController(Config{}, bus, testLogger())
	c.levels = []*playlist.Level{
		{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}},
		{Bitrate: 800000, URLs: []string{"https://a/hi.m3u8"}},
	}
	c.SetManualLevel(1)
	*got = nil

	c.OnError(&event.StreamError{Kind: event.KindLoad, Details: event.DetailsFragLoadError, Level: 1}, false)
	assert.Equal(t, 1, c.CurrentLevel(), "manual pin prevents the automatic downswitch")
	require.Len(t, *got, 1)
	ev, ok := (*got)[0].(event.Error)
	require.True(t, ok)
	assert.True(t, ev.Err.Fatal)

	assert.Equal(t, 1, c.NextLoadLevel())
	c.SetNextLoadLevel(0)
	assert.Equal(t, 1, c.CurrentLevel(), "ABR steering is ignored while pinned")
	c.SetManualLevel(-1)
	c.SetNextLoadLevel(0)
	assert.Equal(t, 0, c.CurrentLevel())
}

func TestFatalLoadErrorStopsReload(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus, _ := captureBus()
	c := NewController(Config{}, bus, testLogger())
	c.now = fixedClock(t0)
	c.levels = []*playlist.Level{{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}}}
	c.SetCurrentLevel(0)
	c.OnLevelLoaded(0, liveDetails(1, 3, 6), loader.Stats{RequestTime: t0, ResponseTime: t0})
	require.False(t, c.reloadAt.IsZero())

	c.OnError(&event.StreamError{Kind: event.KindLoad, Details: event.DetailsLevelLoadError, Fatal: true, Level: 0}, false)
	assert.True(t, c.reloadAt.IsZero(), "fatal network errors stop the reload timer")
	assert.False(t, c.loadPending)
}

func TestPendingLoadConsumes(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus, _ := captureBus()
	c := NewController(Config{}, bus, testLogger())
	c.now = fixedClock(t0)
	c.levels = []*playlist.Level{{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}}}
	c.SetCurrentLevel(0)

	idx, url, ok := c.PendingLoad(t0)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "https://a/low.m3u8", url)

	_, _, ok = c.PendingLoad(t0)
	assert.False(t, ok, "a consumed request does not repeat until rearmed")

	c.OnLevelLoaded(0, liveDetails(1, 3, 6), loader.Stats{RequestTime: t0, ResponseTime: t0})
	_, _, ok = c.PendingLoad(t0.Add(5 * time.Second))
	assert.False(t, ok, "reload not yet due")
	_, _, ok = c.PendingLoad(t0.Add(6 * time.Second))
	assert.True(t, ok, "reload due once the timer elapses")
}

func TestSetCurrentLevelReloadRules(t *testing.T) {
	t.Parallel()

	bus, _ := captureBus()
	c := NewController(Config{}, bus, testLogger())
	vod := &playlist.LevelDetails{
		Fragments: []*playlist.Fragment{{SN: 1, Duration: 6}},
		StartSN:   1, EndSN: 1,
	}
	c.levels = []*playlist.Level{
		{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}, Details: vod},
		{Bitrate: 800000, URLs: []string{"https://a/hi.m3u8"}, Details: liveDetails(1, 3, 6)},
	}

	c.SetCurrentLevel(0)
	assert.False(t, c.loadPending, "cached VOD details need no reload")

	c.SetCurrentLevel(1)
	assert.True(t, c.loadPending, "live levels always refresh on selection")
}

func TestStreamErrorRoundTrip(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	bus, got := captureBus()
	c := NewController(Config{}, bus, testLogger())
	c.levels = []*playlist.Level{{Bitrate: 500000, URLs: []string{"https://a/low.m3u8"}}}
	c.SetCurrentLevel(0)
	*got = nil

	c.OnError(&event.StreamError{Kind: event.KindLoad, Details: event.DetailsKeyLoadError, Level: 0, Err: cause}, false)
	require.Len(t, *got, 1)
	ev := (*got)[0].(event.Error)
	assert.True(t, errors.Is(ev.Err, cause), "escalation preserves the cause chain")
}
