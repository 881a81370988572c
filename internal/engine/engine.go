// Package engine assembles one playback session: it owns the run loop that
// drives the rendition and stream controllers, dispatches loader completions
// back onto that loop, and mediates bus errors into rendition failover. All
// controller state is confined to the loop goroutine; the public API posts
// commands to it.
package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/refract/internal/captions"
	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/playlist"
	"github.com/zsiec/refract/internal/sink"
	"github.com/zsiec/refract/internal/stream"
)

// liveSyncDurationCount is how many target durations behind the live edge
// playback starts when the playlist carries no EXT-X-START.
const liveSyncDurationCount = 3

// Config tunes one engine. The zero value gets workable defaults.
type Config struct {
	// LoadTimeout caps each playlist, key, and fragment request. Zero
	// means only session cancellation bounds a request.
	LoadTimeout time.Duration

	// HTTP3 fetches over QUIC instead of TCP.
	HTTP3 bool

	// InsecureTLS skips certificate verification.
	InsecureTLS bool

	// BufferCapacity caps sink bytes across tracks. Zero means unlimited.
	BufferCapacity int64

	// MaxBufferLength is the buffered-ahead target in seconds.
	MaxBufferLength float64

	// MaxMaxBufferLength is the absolute buffering ceiling, halved on
	// capacity errors.
	MaxMaxBufferLength float64

	// MaxRetries bounds recoverable failures per load before fatal.
	MaxRetries int

	// RetryDelay is the wait before re-polling a live playlist whose
	// sources all failed while playback still has buffered media.
	RetryDelay time.Duration

	// TickInterval is the run loop cadence.
	TickInterval time.Duration

	// Supported filters variant levels at manifest time. Nil accepts
	// everything.
	Supported func(*playlist.Level) bool

	// CaptionBuffer is the caption output channel capacity.
	CaptionBuffer int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	return c
}

// Engine is one playback session over one source URL. Construct with New,
// start with Open, observe Done and Err, read media from Sink and captions
// from Captions.
type Engine struct {
	log *slog.Logger
	cfg Config

	bus    *event.Bus
	client *loader.Client
	buf    *sink.Memory
	caps   *captions.Dispatcher

	levels  *level.Controller
	primary *stream.Controller
	audio   *stream.Controller

	primaryFetch *fetcher
	audioFetch   *fetcher

	loopCh chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	opened bool

	now func() time.Time

	posSet bool
	err    *event.StreamError

	audioSel        int
	audioPending    bool
	audioSwitch     bool
	audioReloadAt   time.Time
	audioLoadSeq    int
	audioLoadErrors int
}

// New wires the session's components. The engine's own bus subscriptions
// are registered before the stream controller's so the starting position is
// set before the controller sees the first playlist details. Pass a nil
// logger to use slog.Default.
func New(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	bus := event.NewBus()
	e := &Engine{
		log: log.With("component", "engine"),
		cfg: cfg,
		bus: bus,
		client: loader.New(loader.Config{
			Timeout:     cfg.LoadTimeout,
			HTTP3:       cfg.HTTP3,
			InsecureTLS: cfg.InsecureTLS,
		}, log),
		buf:      sink.NewMemory(sink.Config{Capacity: cfg.BufferCapacity}, log),
		caps:     captions.NewDispatcher(captions.Config{Buffer: cfg.CaptionBuffer}, log),
		loopCh:   make(chan func(), 64),
		done:     make(chan struct{}),
		now:      time.Now,
		audioSel: -1,
	}
	e.levels = level.NewController(level.Config{
		RetryDelay: cfg.RetryDelay,
		Supported:  cfg.Supported,
	}, bus, log)

	bus.Subscribe(event.TypeError, e.onError)
	bus.Subscribe(event.TypeLevelLoaded, e.onLevelLoaded)

	e.primaryFetch = &fetcher{e: e}
	e.primary = stream.NewController(stream.Config{
		Type:               media.TrackVideo,
		MaxBufferLength:    cfg.MaxBufferLength,
		MaxMaxBufferLength: cfg.MaxMaxBufferLength,
		MaxRetries:         cfg.MaxRetries,
		Bus:                bus,
		Sink:               e.buf,
		Fetcher:            e.primaryFetch,
		NewPipeline: func() stream.Pipeline {
			return newTransmuxPipeline(e.caps, log)
		},
	}, log)
	e.primaryFetch.ctrl = e.primary
	return e
}

// Open loads and processes the master manifest, selects the default
// alternate audio track when one carries its own playlist, and starts the
// run loop. It may be called once; on error the session is finished and
// Done is already closed.
func (e *Engine) Open(ctx context.Context, url string) error {
	if e.opened {
		return errors.New("engine: already opened")
	}
	e.opened = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	resp, err := e.client.Load(e.ctx, loader.Request{URL: url})
	if err != nil {
		lerr := asLoadError(err)
		details := event.DetailsManifestLoadError
		if lerr.Timeout {
			details = event.DetailsManifestLoadTimeout
		}
		return e.failOpen(&event.StreamError{
			Kind:    event.KindLoad,
			Details: details,
			Fatal:   true,
			Level:   -1,
			Err:     lerr,
		})
	}
	man, err := playlist.ParseManifest(bytes.NewReader(resp.Data), resp.URL)
	if err != nil {
		return e.failOpen(&event.StreamError{
			Kind:    event.KindParse,
			Details: event.DetailsManifestParsingError,
			Fatal:   true,
			Level:   -1,
			Err:     err,
		})
	}
	if err := e.levels.ProcessManifest(man); err != nil {
		var se *event.StreamError
		if errors.As(err, &se) {
			return e.failOpen(se)
		}
		return e.failOpen(&event.StreamError{
			Kind:    event.KindConfiguration,
			Details: event.DetailsInternalException,
			Fatal:   true,
			Level:   -1,
			Err:     err,
		})
	}
	e.bus.Publish(event.ManifestParsed{Manifest: man})

	// A bare media playlist arrives with its details already attached and
	// no load pending, so deliver them here. Live details still reload
	// through the normal path.
	if i := e.levels.CurrentLevel(); i >= 0 {
		if l := e.levels.Level(i); l != nil && l.Details != nil {
			e.bus.Publish(event.LevelLoaded{Level: i, Details: l.Details, Stats: resp.Stats})
		}
	}

	// A follower controller exists only when some alternate audio track
	// carries its own playlist; URI-less renditions describe audio muxed
	// into the primary stream.
	if i := pickAudioTrack(e.levels.AudioTracks()); i >= 0 {
		e.audioSel = i
		e.audioFetch = &fetcher{e: e}
		e.audio = stream.NewController(stream.Config{
			Type:               media.TrackAudio,
			Follower:           true,
			MaxBufferLength:    e.cfg.MaxBufferLength,
			MaxMaxBufferLength: e.cfg.MaxMaxBufferLength,
			MaxRetries:         e.cfg.MaxRetries,
			Bus:                e.bus,
			Sink:               e.buf,
			Fetcher:            e.audioFetch,
			NewPipeline: func() stream.Pipeline {
				return newTransmuxPipeline(nil, e.log)
			},
		}, e.log)
		e.audioFetch.ctrl = e.audio
		e.log.Info("alternate audio selected",
			"track", i, "name", e.levels.AudioTracks()[i].Name)
	}

	e.primary.Start()
	if e.audio != nil {
		e.audio.Start()
	}
	go e.run()
	return nil
}

func (e *Engine) failOpen(se *event.StreamError) error {
	e.err = se
	e.cancel()
	e.client.Close()
	e.caps.Close()
	close(e.done)
	return se
}

// run is the loop goroutine. Controllers, the bus, and the level table are
// touched only here.
func (e *Engine) run() {
	defer close(e.done)
	defer e.caps.Close()
	defer e.client.Close()
	defer e.cancel()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-e.ctx.Done():
			e.primary.Stop()
			if e.audio != nil {
				e.audio.Stop()
			}
			return
		case fn := <-e.loopCh:
			fn()
		case <-ticker.C:
			e.tick()
		}
		if e.finished() {
			e.log.Info("session finished", "err", e.err)
			return
		}
	}
}

// post hands fn to the loop goroutine, dropping it when the session is
// shutting down.
func (e *Engine) post(fn func()) {
	select {
	case e.loopCh <- fn:
	case <-e.ctx.Done():
	}
}

func (e *Engine) tick() {
	if i, url, ok := e.levels.PendingLoad(e.now()); ok {
		e.loadLevel(i, url)
	}
	e.tickAudio()
	e.primary.Tick()
	if e.audio != nil {
		e.audio.Tick()
	}
}

func (e *Engine) finished() bool {
	if e.err != nil {
		return true
	}
	if e.primary.State() != stream.StateEnded {
		return false
	}
	return e.audio == nil || e.audio.State() == stream.StateEnded
}

// onError mediates bus errors. Fatal errors finish the session. Non-fatal
// playlist load failures go to the rendition controller's recovery ladder;
// fragment-scoped failures stay with the stream controller's own retry, and
// alternate-audio failures (level -1) never drive variant failover.
func (e *Engine) onError(ev event.Event) {
	se := ev.(event.Error).Err
	if se.Fatal {
		if e.err == nil {
			e.err = se
		}
		e.levels.OnError(se, false)
		return
	}
	if se.Kind == event.KindLoad && se.Frag == nil && se.Level >= 0 {
		e.levels.OnError(se, e.hasBufferAhead())
	}
}

func (e *Engine) hasBufferAhead() bool {
	pos := e.buf.Position()
	for _, t := range []media.TrackType{media.TrackVideo, media.TrackAudio} {
		for _, r := range e.buf.Buffered(t) {
			if r.Contains(pos) {
				return true
			}
		}
	}
	return false
}

// onLevelLoaded seats the starting position from the first details of the
// playing level. Registered ahead of the stream controller's subscription,
// so the position is in place before fragment selection begins.
func (e *Engine) onLevelLoaded(ev event.Event) {
	ll := ev.(event.LevelLoaded)
	if e.posSet || ll.Level != e.levels.CurrentLevel() {
		return
	}
	e.posSet = true
	pos := startPosition(ll.Details)
	e.buf.SetPosition(pos)
	e.log.Info("start position", "pos", pos, "live", ll.Details.Live)
}

// startPosition picks where playback begins: EXT-X-START when present
// (negative offsets anchor to the live edge), otherwise three target
// durations behind the edge on live, otherwise the start of the window.
func startPosition(d *playlist.LevelDetails) float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	first := d.Fragments[0].Start
	edge := d.Edge()
	if d.StartTimeOffset != 0 {
		pos := d.StartTimeOffset
		if pos < 0 {
			pos += edge
		}
		if pos < first {
			pos = first
		}
		if pos >= edge {
			// Land inside the last fragment, not on the window end, so
			// selection still has a fragment to pick.
			pos = d.Fragments[len(d.Fragments)-1].Start
		}
		return pos
	}
	if d.Live {
		pos := edge - liveSyncDurationCount*d.TargetDuration
		if pos < first {
			pos = first
		}
		return pos
	}
	return first
}

// pickAudioTrack selects the initial alternate audio rendition: the default
// track when it has its own playlist, else the first that does, else -1.
func pickAudioTrack(tracks []*playlist.AlternateTrack) int {
	sel := -1
	for i, t := range tracks {
		if t.URL == "" {
			continue
		}
		if t.Default {
			return i
		}
		if sel == -1 {
			sel = i
		}
	}
	return sel
}

func (e *Engine) audioTrack(i int) *playlist.AlternateTrack {
	tracks := e.levels.AudioTracks()
	if i < 0 || i >= len(tracks) {
		return nil
	}
	return tracks[i]
}

// tickAudio issues the alternate audio playlist load that is due: the first
// load of a selected track, a pending track switch, or a live refresh.
func (e *Engine) tickAudio() {
	if e.audio == nil || e.audioSel < 0 || e.audioPending {
		return
	}
	t := e.audioTrack(e.audioSel)
	if t == nil {
		return
	}
	due := t.Details == nil || e.audioSwitch ||
		(!e.audioReloadAt.IsZero() && !e.now().Before(e.audioReloadAt))
	if !due {
		return
	}
	e.audioPending = true
	e.audioReloadAt = time.Time{}
	e.loadAudioTrack(e.audioSel, t.URL)
}

// Seek moves playback to pos and re-anchors both controllers.
func (e *Engine) Seek(pos float64) {
	e.post(func() {
		e.primary.Seek(pos)
		if e.audio != nil {
			e.audio.Seek(pos)
		}
	})
}

// SelectLevel pins variant i, overriding automatic selection. Pass -1 to
// release the pin.
func (e *Engine) SelectLevel(i int) {
	e.post(func() {
		e.levels.SetManualLevel(i)
	})
}

// SelectAudioTrack switches to alternate audio rendition i. Tracks without
// their own playlist are ignored.
func (e *Engine) SelectAudioTrack(i int) {
	e.post(func() {
		if e.audio == nil || i == e.audioSel {
			return
		}
		t := e.audioTrack(i)
		if t == nil || t.URL == "" {
			return
		}
		e.audioSel = i
		e.audioSwitch = true
		e.audioLoadSeq++
		e.audioLoadErrors = 0
		e.audioReloadAt = time.Time{}
		e.tickAudio()
	})
}

// Levels returns the processed variant table. The table is fixed once Open
// returns; per-level details belong to the loop and may change under the
// caller.
func (e *Engine) Levels() []*playlist.Level { return e.levels.Levels() }

// AudioTracks returns the manifest's alternate audio renditions.
func (e *Engine) AudioTracks() []*playlist.AlternateTrack { return e.levels.AudioTracks() }

// Sink exposes the playback buffer for draining.
func (e *Engine) Sink() *sink.Memory { return e.buf }

// Captions is the decoded caption stream. Closed when the session ends.
func (e *Engine) Captions() <-chan captions.ChannelOutput { return e.caps.Output() }

// Done closes when the session ends: playback reached the end of a VOD
// stream, a fatal error occurred, or Stop was called.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports the fatal error that ended the session. Valid once Done is
// closed; nil after a clean end of stream or Stop.
func (e *Engine) Err() error {
	select {
	case <-e.done:
	default:
		return nil
	}
	if e.err != nil {
		return e.err
	}
	return nil
}

// Stop cancels the session and waits for the loop to exit. Safe to call
// after Done has closed; a no-op before Open.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}
