// Package level owns the rendition list: manifest processing into a
// deduplicated, codec-filtered level table, live playlist reload
// scheduling, and failover across redundant source URLs.
package level

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/playlist"
)

// minReloadInterval floors the live reload timer so a short target
// duration or a slow origin cannot spin the loader.
const minReloadInterval = time.Second

// Config tunes the controller.
type Config struct {
	// RetryDelay is how long a live stream waits before retrying a level
	// load once every redundant URL has failed but playback still has
	// buffered media to burn. Zero means one second.
	RetryDelay time.Duration

	// Supported filters levels at manifest time. Nil accepts everything.
	Supported func(*playlist.Level) bool
}

// Controller is the rendition controller. It is owned by the engine loop
// and must not be shared across goroutines.
type Controller struct {
	log *slog.Logger
	bus *event.Bus
	cfg Config

	levels    []*playlist.Level
	audio     []*playlist.AlternateTrack
	subtitles []*playlist.AlternateTrack

	current     int
	manual      int
	loadPending bool
	reloadAt    time.Time

	now func() time.Time
}

// NewController creates a rendition controller publishing on bus. Pass a
// nil logger to use slog.Default.
func NewController(cfg Config, bus *event.Bus, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:     log.With("component", "level-controller"),
		bus:     bus,
		cfg:     cfg,
		current: -1,
		manual:  -1,
		now:     time.Now,
	}
}

// ProcessManifest builds the level table from a parsed manifest and selects
// the lowest bitrate as the starting level. Levels with identical
// bitrate+codecs collapse into one entry carrying every source URL. When
// A/V levels and audio-only levels are both present the audio-only ones are
// dropped, since mixed signaling leaves track selection ambiguous.
func (c *Controller) ProcessManifest(man *playlist.Manifest) error {
	levels := dedupe(man.Levels)

	hasVideo, hasAudioOnly := false, false
	for _, l := range levels {
		if levelHasVideo(l) {
			hasVideo = true
		} else if l.AudioCodec() != "" {
			hasAudioOnly = true
		}
	}
	if hasVideo && hasAudioOnly {
		kept := levels[:0]
		for _, l := range levels {
			if levelHasVideo(l) || l.Codecs == "" {
				kept = append(kept, l)
			}
		}
		levels = kept
	}

	if c.cfg.Supported != nil {
		kept := levels[:0]
		for _, l := range levels {
			if c.cfg.Supported(l) {
				kept = append(kept, l)
			} else {
				c.log.Info("dropping level with unsupported codecs", "codecs", l.Codecs, "bitrate", l.Bitrate)
			}
		}
		levels = kept
	}

	if len(levels) == 0 {
		return &event.StreamError{
			Kind:    event.KindConfiguration,
			Details: event.DetailsIncompatibleCodecs,
			Fatal:   true,
			Level:   -1,
		}
	}

	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Bitrate < levels[j].Bitrate
	})

	c.levels = levels
	c.audio = man.Audio
	c.subtitles = man.Subtitles
	c.current = -1
	c.manual = -1
	c.log.Info("manifest processed", "levels", len(levels), "audioTracks", len(c.audio))
	c.SetCurrentLevel(0)
	return nil
}

// Levels returns the processed level table.
func (c *Controller) Levels() []*playlist.Level { return c.levels }

// Level returns the level at index i, or nil when out of range.
func (c *Controller) Level(i int) *playlist.Level {
	if i < 0 || i >= len(c.levels) {
		return nil
	}
	return c.levels[i]
}

// AudioTracks returns the manifest's alternate audio renditions.
func (c *Controller) AudioTracks() []*playlist.AlternateTrack { return c.audio }

// Subtitles returns the manifest's subtitle renditions.
func (c *Controller) Subtitles() []*playlist.AlternateTrack { return c.subtitles }

// CurrentLevel returns the selected level index, -1 before a manifest.
func (c *Controller) CurrentLevel() int { return c.current }

// SetCurrentLevel selects level i. A details load is requested only when
// the level has no cached details or is live.
func (c *Controller) SetCurrentLevel(i int) {
	if i < 0 || i >= len(c.levels) || i == c.current {
		return
	}
	c.current = i
	c.reloadAt = time.Time{}
	l := c.levels[i]
	l.FragmentError = false
	if l.Details == nil || l.Details.Live {
		c.loadPending = true
	}
	c.log.Info("level switching", "level", i, "bitrate", l.Bitrate)
	c.bus.Publish(event.LevelSwitching{Level: i})
}

// ManualLevel returns the pinned level index, -1 when automatic.
func (c *Controller) ManualLevel() int { return c.manual }

// SetManualLevel pins level i, overriding automatic switching. Pass -1 to
// release the pin.
func (c *Controller) SetManualLevel(i int) {
	c.manual = i
	if i >= 0 {
		c.SetCurrentLevel(i)
	}
}

// NextLoadLevel is the level the next fragment load should target: the
// manual pin when set, otherwise the current automatic choice.
func (c *Controller) NextLoadLevel() int {
	if c.manual != -1 {
		return c.manual
	}
	return c.current
}

// SetNextLoadLevel steers the automatic choice (an ABR decision). It is
// ignored while a manual pin is active.
func (c *Controller) SetNextLoadLevel(i int) {
	if c.manual != -1 {
		return
	}
	c.SetCurrentLevel(i)
}

// PendingLoad reports the playlist fetch that is due, consuming the
// request: the caller must either complete it via OnLevelLoaded or report
// it via OnError, or the reload stalls.
func (c *Controller) PendingLoad(now time.Time) (int, string, bool) {
	if c.current < 0 {
		return 0, "", false
	}
	due := c.loadPending || (!c.reloadAt.IsZero() && !now.Before(c.reloadAt))
	if !due {
		return 0, "", false
	}
	c.loadPending = false
	c.reloadAt = time.Time{}
	return c.current, c.levels[c.current].URL(), true
}

// OnLevelLoaded installs freshly parsed details for level i, merges live
// windows with their predecessor, resets the level's error counters, and
// arms the next live reload.
func (c *Controller) OnLevelLoaded(i int, d *playlist.LevelDetails, stats loader.Stats) {
	l := c.Level(i)
	if l == nil {
		return
	}
	prev := l.Details
	stale := prev != nil && d.Live && prev.EndSN == d.EndSN
	if prev != nil && d.Live {
		playlist.MergeDetails(prev, d)
	}
	l.Details = d
	l.LoadError = 0
	l.FragmentError = false

	if i == c.current {
		if d.Live {
			interval := time.Duration(d.TargetDuration * float64(time.Second))
			if stale {
				interval /= 2
			}
			interval -= stats.ResponseTime.Sub(stats.RequestTime)
			if interval < minReloadInterval {
				interval = minReloadInterval
			}
			c.reloadAt = c.now().Add(interval)
			c.log.Debug("live reload armed", "level", i, "in", interval, "stale", stale)
		} else {
			c.reloadAt = time.Time{}
		}
	}

	c.bus.Publish(event.LevelLoaded{Level: i, Details: d, Stats: stats})
}

// OnError applies the recovery ladder for load failures: rotate to the
// next redundant URL while any remain untried, otherwise switch down one
// level unless manually pinned or already lowest, otherwise wait out a
// live hiccup when playback still has buffered media ahead, otherwise
// escalate to fatal. Fatal load errors only disarm the reload timer.
func (c *Controller) OnError(e *event.StreamError, bufferedAhead bool) {
	if e.Fatal {
		if e.Kind == event.KindLoad {
			c.reloadAt = time.Time{}
			c.loadPending = false
		}
		return
	}
	if e.Kind != event.KindLoad {
		return
	}

	idx := e.Level
	if idx < 0 {
		idx = c.current
	}
	l := c.Level(idx)
	if l == nil {
		return
	}
	l.LoadError++

	switch {
	case l.LoadError < len(l.URLs):
		l.URLIndex++
		l.Details = nil
		if idx == c.current {
			c.loadPending = true
			c.reloadAt = time.Time{}
		}
		c.log.Warn("rotating to redundant source",
			"level", idx, "errors", l.LoadError, "url", l.URL())

	case c.manual == -1 && idx > 0:
		c.log.Warn("abandoning level after exhausting sources", "level", idx, "errors", l.LoadError)
		c.SetCurrentLevel(idx - 1)

	case l.Details != nil && l.Details.Live && bufferedAhead:
		delay := c.cfg.RetryDelay
		if delay <= 0 {
			delay = time.Second
		}
		c.reloadAt = c.now().Add(delay)
		c.log.Warn("level retry scheduled", "level", idx, "in", delay)

	default:
		c.bus.Publish(event.Error{Err: &event.StreamError{
			Kind:    event.KindFatal,
			Details: e.Details,
			Fatal:   true,
			Level:   idx,
			Frag:    e.Frag,
			Err:     e.Err,
		}})
	}
}

func levelHasVideo(l *playlist.Level) bool {
	return l.VideoCodec() != "" || (l.Width > 0 && l.Height > 0)
}

func dedupe(in []*playlist.Level) []*playlist.Level {
	byKey := make(map[string]*playlist.Level, len(in))
	var out []*playlist.Level
	for _, l := range in {
		key := fmt.Sprintf("%d/%s", l.Bitrate, l.Codecs)
		if prev, ok := byKey[key]; ok {
			prev.URLs = append(prev.URLs, l.URLs...)
			continue
		}
		byKey[key] = l
		out = append(out, l)
	}
	return out
}
