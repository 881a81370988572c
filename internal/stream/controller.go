// Package stream drives one media type through its fragment lifecycle:
// selecting the next fragment against a buffer target, loading keys and
// payloads, feeding the demux+remux pipeline, and appending the output to
// the sink, with retry backoff and buffer-capacity recovery.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/playlist"
	"github.com/zsiec/refract/internal/remux"
	"github.com/zsiec/refract/internal/sink"
)

// Pipeline turns fragment bytes into init and media segments.
type Pipeline interface {
	Process(data []byte, timeOffset float64, contiguous, accurate bool) (*remux.Result, error)
	ResetTimestamp(base *media.InitPTS)
	ResetInitSegment()
}

// Sink is the playback buffer the controller feeds. *sink.Memory
// implements it.
type Sink interface {
	AppendInit(t media.TrackType, data []byte) error
	Append(t media.TrackType, data []byte, start, end float64) error
	Buffered(t media.TrackType) []media.TimeRange
	Contains(t media.TrackType, pos float64) bool
	Flush(t media.TrackType, start, end float64)
	Position() float64
	SetPosition(pos float64)
}

// Fetcher starts asynchronous fragment and key loads. Completions must
// come back through OnFragLoaded, OnKeyLoaded, or OnLoadError on the
// controller's goroutine, never synchronously from inside the Fetch call.
type Fetcher interface {
	FetchFragment(frag *playlist.Fragment)
	FetchKey(frag *playlist.Fragment)
}

// Config carries tuning and collaborators for one controller.
type Config struct {
	// Type names the media type this controller drives, for logs and
	// pairing.
	Type media.TrackType

	// Follower marks an alternate-track controller that aligns to the
	// primary timeline: it waits for the primary's init PTS per
	// continuity group and raises its buffer target to the primary's.
	Follower bool

	MaxBufferLength    float64       // buffered-ahead target, seconds
	MaxMaxBufferLength float64       // absolute ceiling, halved on capacity errors
	LookupTolerance    float64       // playlist position search slack, seconds
	MaxRetries         int           // recoverable failures before fatal
	BackoffBase        time.Duration // first retry delay
	BackoffMax         time.Duration // retry delay cap

	Bus         *event.Bus
	Sink        Sink
	Fetcher     Fetcher
	NewPipeline func() Pipeline
}

func (c Config) withDefaults() Config {
	if c.MaxBufferLength <= 0 {
		c.MaxBufferLength = 30
	}
	if c.MaxMaxBufferLength <= 0 {
		c.MaxMaxBufferLength = 600
	}
	if c.LookupTolerance <= 0 {
		c.LookupTolerance = 0.25
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 6
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 64 * time.Second
	}
	return c
}

type deferredAppend struct {
	init  bool
	t     media.TrackType
	data  []byte
	start float64
	end   float64
}

// Controller is the per-media-type stream controller. It is owned by the
// engine loop: Tick and every On* handler must run on that goroutine.
type Controller struct {
	log *slog.Logger
	cfg Config
	bus *event.Bus

	state State
	now   func() time.Time

	level        int
	details      *playlist.LevelDetails
	detailsLevel int

	prevFrag    *playlist.Fragment
	fragCurrent *playlist.Fragment

	pipeline       Pipeline
	pipelineCC     int
	pipelinePrimed bool

	keys    map[string][]byte
	initPTS map[int]media.InitPTS
	waitCC  int

	failures int
	retryAt  time.Time

	maxMax   float64
	appended map[media.TrackType]bool

	pendingSwitch bool
	deferred      []deferredAppend
}

// NewController builds a controller and wires its bus subscriptions:
// leaders follow level switches and loads, followers follow init PTS
// discovery. Pass a nil logger to use slog.Default.
func NewController(cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Controller{
		log:      log.With("component", "stream-controller", "track", cfg.Type),
		cfg:      cfg,
		bus:      cfg.Bus,
		state:    StateStopped,
		now:      time.Now,
		keys:     make(map[string][]byte),
		initPTS:  make(map[int]media.InitPTS),
		maxMax:   cfg.MaxMaxBufferLength,
		appended: make(map[media.TrackType]bool),
	}
	if cfg.Follower {
		s.bus.Subscribe(event.TypeInitPTSFound, s.onInitPTSFound)
	} else {
		s.bus.Subscribe(event.TypeLevelSwitching, s.onLevelSwitching)
		s.bus.Subscribe(event.TypeLevelLoaded, s.onLevelLoaded)
	}
	return s
}

// State returns the current state.
func (s *Controller) State() State { return s.state }

// Start spins the controller up from STOPPED, ENDED, or ERROR.
func (s *Controller) Start() {
	switch s.state {
	case StateStopped, StateEnded, StateError:
		s.failures = 0
		s.setState(StateStarting)
		s.Tick()
	}
}

// Stop halts the controller immediately, clearing any retry timer and
// superseding in-flight loads.
func (s *Controller) Stop() {
	s.retryAt = time.Time{}
	s.fragCurrent = nil
	s.pendingSwitch = false
	s.deferred = nil
	s.setState(StateStopped)
}

// Pause suspends ticking. In-flight loads are superseded.
func (s *Controller) Pause() {
	switch s.state {
	case StateStopped, StateEnded, StateError, StatePaused:
		return
	}
	s.retryAt = time.Time{}
	s.fragCurrent = nil
	s.setState(StatePaused)
}

// Resume returns a paused controller to IDLE.
func (s *Controller) Resume() {
	if s.state != StatePaused {
		return
	}
	s.setState(StateIdle)
	s.Tick()
}

// Seek moves the playback cursor, clears the retry timer, drops the
// contiguity anchor, and re-selects by position.
func (s *Controller) Seek(pos float64) {
	s.cfg.Sink.SetPosition(pos)
	s.retryAt = time.Time{}
	s.fragCurrent = nil
	s.prevFrag = nil
	switch s.state {
	case StateStopped, StateError, StatePaused:
		return
	}
	s.setState(StateIdle)
	s.Tick()
}

// SwitchTrack begins a mid-stream track change. In-flight loads are
// superseded and selection re-anchors to the playback position; parsed
// data is held back until its timestamps reach the position, when the
// old buffer is flushed, the held data appended, and the pipeline
// recreated.
func (s *Controller) SwitchTrack(d *playlist.LevelDetails) {
	s.pendingSwitch = true
	s.deferred = nil
	s.prevFrag = nil
	s.fragCurrent = nil
	s.retryAt = time.Time{}
	s.details = d
	s.pipeline = nil
	s.pipelinePrimed = false
	switch s.state {
	case StateStopped, StateEnded, StateError, StatePaused:
		return
	}
	s.setState(StateIdle)
	s.Tick()
}

// SetTrackDetails installs playlist details for a follower track,
// merging live windows with their predecessor.
func (s *Controller) SetTrackDetails(d *playlist.LevelDetails) {
	if s.details != nil && d.Live {
		playlist.MergeDetails(s.details, d)
	}
	s.details = d
	s.Tick()
}

// Tick advances the state machine. The engine calls it every tick
// interval; handlers call it again when an input unblocks a wait state.
func (s *Controller) Tick() {
	switch s.state {
	case StateStarting, StateWaitingTrack:
		if s.detailsReady() {
			s.setState(StateIdle)
			s.doIdle()
		} else {
			s.setState(StateWaitingTrack)
		}
	case StateWaitingInitPTS:
		if _, ok := s.initPTS[s.waitCC]; ok {
			s.setState(StateIdle)
			s.doIdle()
		}
	case StateFragLoadingWaitingRetry:
		if !s.now().Before(s.retryAt) {
			s.retryAt = time.Time{}
			s.setState(StateIdle)
			s.doIdle()
		}
	case StateIdle:
		s.doIdle()
	}
}

func (s *Controller) detailsReady() bool {
	if s.details == nil {
		return false
	}
	if s.cfg.Follower {
		return true
	}
	return s.detailsLevel == s.level
}

func (s *Controller) doIdle() {
	if !s.detailsReady() {
		s.setState(StateWaitingTrack)
		return
	}
	d := s.details
	pos := s.cfg.Sink.Position()

	target := s.cfg.MaxBufferLength
	if s.maxMax < target {
		target = s.maxMax
	}
	if s.cfg.Follower {
		if paired := s.aheadOf(media.TrackVideo, pos); paired > target {
			target = paired
		}
	}
	// Buffered ranges still hold old-track data while a switch is
	// pending, so the target check only applies to the steady state.
	if ahead := s.bufferedAhead(pos); ahead >= target && !s.pendingSwitch {
		return
	}

	if !d.Live && s.prevFrag != nil && s.prevFrag.SN >= d.EndSN {
		s.setState(StateEnded)
		s.log.Info("reached end of stream", "sn", s.prevFrag.SN)
		return
	}

	frag := s.nextFragment(pos)
	if frag == nil {
		return
	}

	if s.cfg.Follower {
		if _, ok := s.initPTS[frag.CC]; !ok {
			s.waitCC = frag.CC
			s.setState(StateWaitingInitPTS)
			return
		}
	}

	if frag.Key != nil {
		if frag.Key.Method != "AES-128" {
			s.fail(&event.StreamError{
				Kind:    event.KindConfiguration,
				Details: event.DetailsKeySystemError,
				Fatal:   true,
				Level:   frag.Level,
				Frag:    frag,
				Err:     fmt.Errorf("stream: unsupported key method %q", frag.Key.Method),
			})
			return
		}
		if _, ok := s.keys[frag.Key.URL]; !ok {
			s.fragCurrent = frag
			s.setState(StateKeyLoading)
			s.cfg.Fetcher.FetchKey(frag)
			return
		}
	}

	s.fragCurrent = frag
	s.setState(StateFragLoading)
	s.log.Debug("loading fragment", "sn", frag.SN, "level", frag.Level, "start", frag.Start)
	s.cfg.Fetcher.FetchFragment(frag)
}

// nextFragment picks the fragment after the anchor when one exists in the
// current window, otherwise searches the playlist by buffered-end
// position.
func (s *Controller) nextFragment(pos float64) *playlist.Fragment {
	d := s.details
	if s.prevFrag != nil {
		if next := d.FragmentBySN(s.prevFrag.SN + 1); next != nil {
			return next
		}
		if s.prevFrag.SN >= d.EndSN {
			return nil // live edge, wait for the next reload
		}
	}

	searchPos := pos + s.bufferedAhead(pos)
	if s.pendingSwitch {
		searchPos = pos
	}
	if f := d.FragmentAt(searchPos, s.cfg.LookupTolerance); f != nil {
		return f
	}
	if len(d.Fragments) == 0 {
		return nil
	}
	first := d.Fragments[0]
	if d.Live && !d.PTSKnown {
		return first // timestamps unknown on live, re-anchor to the window
	}
	if searchPos <= first.Start {
		return first
	}
	return nil
}

func (s *Controller) bufferedAhead(pos float64) float64 {
	if len(s.appended) == 0 {
		return 0
	}
	ahead := math.MaxFloat64
	for t := range s.appended {
		if a := s.aheadOf(t, pos); a < ahead {
			ahead = a
		}
	}
	return ahead
}

func (s *Controller) aheadOf(t media.TrackType, pos float64) float64 {
	for _, r := range s.cfg.Sink.Buffered(t) {
		if pos >= r.Start-s.cfg.LookupTolerance && pos < r.End {
			return r.End - pos
		}
	}
	return 0
}

// OnFragLoaded feeds a completed fragment load through the pipeline and
// appends the result. Superseded loads are dropped without effect.
func (s *Controller) OnFragLoaded(frag *playlist.Fragment, data []byte, stats loader.Stats) {
	if s.state != StateFragLoading || frag != s.fragCurrent {
		s.log.Debug("dropping superseded fragment", "sn", frag.SN, "level", frag.Level)
		return
	}

	if frag.Key != nil {
		plain, err := decryptAES128(data, s.keys[frag.Key.URL], frag.Key.IVForSN(frag.SN))
		if err != nil {
			s.handleFailure(frag, &event.StreamError{
				Kind:    event.KindParse,
				Details: event.DetailsFragParsingError,
				Level:   frag.Level,
				Frag:    frag,
				Err:     err,
			})
			return
		}
		data = plain
	}

	s.setState(StateParsing)

	if s.pipeline == nil {
		s.pipeline = s.cfg.NewPipeline()
		s.pipelinePrimed = false
	}
	contiguous := s.prevFrag != nil &&
		frag.SN == s.prevFrag.SN+1 &&
		frag.CC == s.prevFrag.CC &&
		frag.Level == s.prevFrag.Level
	if !s.pipelinePrimed || frag.CC != s.pipelineCC {
		if s.cfg.Follower {
			base := s.initPTS[frag.CC]
			s.pipeline.ResetTimestamp(&base)
		} else if s.pipelinePrimed {
			s.pipeline.ResetTimestamp(nil)
		}
		s.pipelineCC = frag.CC
		s.pipelinePrimed = true
		contiguous = false
	}
	accurate := !s.details.Live || s.details.PTSKnown

	res, err := s.pipeline.Process(data, frag.Start, contiguous, accurate)
	if err != nil {
		s.handleFailure(frag, &event.StreamError{
			Kind:    event.KindParse,
			Details: event.DetailsFragParsingError,
			Level:   frag.Level,
			Frag:    frag,
			Err:     err,
		})
		return
	}
	if res.InitPTS != nil {
		s.bus.Publish(event.InitPTSFound{CC: frag.CC, InitPTS: *res.InitPTS})
	}
	s.appendResult(frag, res, stats)
}

func (s *Controller) appendResult(frag *playlist.Fragment, res *remux.Result, stats loader.Stats) {
	var appends []deferredAppend
	if res.InitVideo != nil {
		appends = append(appends, deferredAppend{init: true, t: media.TrackVideo, data: res.InitVideo.Data})
	}
	if res.InitAudio != nil {
		appends = append(appends, deferredAppend{init: true, t: media.TrackAudio, data: res.InitAudio.Data})
	}
	if res.Video != nil {
		appends = append(appends, deferredAppend{t: media.TrackVideo, data: res.Video.Data, start: res.Video.StartDTS, end: res.Video.EndDTS})
	}
	if res.Audio != nil {
		appends = append(appends, deferredAppend{t: media.TrackAudio, data: res.Audio.Data, start: res.Audio.StartDTS, end: res.Audio.EndDTS})
	}

	if s.pendingSwitch {
		s.deferred = append(s.deferred, appends...)
		s.setState(StateParsed)
		pos := s.cfg.Sink.Position()
		if s.switchCaughtUp(pos) {
			if !s.completeSwitch(frag) {
				return
			}
		}
		s.finalize(frag, res)
		return
	}

	for _, p := range appends {
		if !s.applyAppend(frag, p) {
			return
		}
	}
	s.setState(StateParsed)
	s.finalize(frag, res)
}

func (s *Controller) applyAppend(frag *playlist.Fragment, p deferredAppend) bool {
	var err error
	if p.init {
		err = s.cfg.Sink.AppendInit(p.t, p.data)
	} else {
		err = s.cfg.Sink.Append(p.t, p.data, p.start, p.end)
	}
	if err != nil {
		var ce *sink.CapacityError
		if errors.As(err, &ce) {
			s.onCapacity(frag)
			return false
		}
		s.fail(&event.StreamError{
			Kind:    event.KindFatal,
			Details: event.DetailsInternalException,
			Fatal:   true,
			Level:   frag.Level,
			Frag:    frag,
			Err:     err,
		})
		return false
	}
	if !p.init {
		s.appended[p.t] = true
		s.bus.Publish(event.BufferAppended{TrackType: p.t, Frag: frag})
	}
	return true
}

func (s *Controller) switchCaughtUp(pos float64) bool {
	for _, p := range s.deferred {
		if !p.init && p.start <= pos+s.cfg.LookupTolerance && p.end > pos {
			return true
		}
	}
	return false
}

func (s *Controller) completeSwitch(frag *playlist.Fragment) bool {
	types := make(map[media.TrackType]bool)
	for _, p := range s.deferred {
		types[p.t] = true
	}
	for t := range types {
		s.cfg.Sink.Flush(t, 0, math.MaxFloat64)
		s.bus.Publish(event.BufferFlushed{TrackType: t})
	}
	deferred := s.deferred
	s.deferred = nil
	s.pendingSwitch = false
	s.log.Info("track switch complete", "appends", len(deferred))
	for _, p := range deferred {
		if !s.applyAppend(frag, p) {
			return false
		}
	}
	return true
}

// finalize records the fragment as the new contiguity anchor and returns
// to IDLE for the next selection.
func (s *Controller) finalize(frag *playlist.Fragment, res *remux.Result) {
	frag.Elementary.Video = frag.Elementary.Video || res.InitVideo != nil || res.Video != nil
	frag.Elementary.Audio = frag.Elementary.Audio || res.InitAudio != nil || res.Audio != nil
	if s.details != nil {
		s.details.PTSKnown = true
	}
	s.prevFrag = frag
	s.fragCurrent = nil
	s.failures = 0
	s.setState(StateIdle)
	s.Tick()
}

// OnKeyLoaded caches key material and resumes a blocked selection.
func (s *Controller) OnKeyLoaded(frag *playlist.Fragment, key []byte) {
	if frag.Key == nil {
		return
	}
	s.keys[frag.Key.URL] = key
	s.bus.Publish(event.KeyLoaded{Frag: frag, Key: key})
	if s.state == StateKeyLoading && frag == s.fragCurrent {
		s.fragCurrent = nil
		s.setState(StateIdle)
		s.Tick()
	}
}

// OnLoadError applies retry backoff to a failed fragment or key load.
func (s *Controller) OnLoadError(frag *playlist.Fragment, lerr *loader.Error) {
	if frag != s.fragCurrent || (s.state != StateFragLoading && s.state != StateKeyLoading) {
		return
	}
	var details string
	switch {
	case s.state == StateKeyLoading && lerr.Timeout:
		details = event.DetailsKeyLoadTimeout
	case s.state == StateKeyLoading:
		details = event.DetailsKeyLoadError
	case lerr.Timeout:
		details = event.DetailsFragLoadTimeout
	default:
		details = event.DetailsFragLoadError
	}
	s.handleFailure(frag, &event.StreamError{
		Kind:    event.KindLoad,
		Details: details,
		Level:   frag.Level,
		Frag:    frag,
		Err:     lerr,
	})
}

// handleFailure counts a recoverable failure toward the retry ceiling and
// either arms the backoff timer or escalates to fatal.
func (s *Controller) handleFailure(frag *playlist.Fragment, se *event.StreamError) {
	s.failures++
	if s.failures > s.cfg.MaxRetries {
		se.Fatal = true
		s.fail(se)
		return
	}
	delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, s.failures)
	s.retryAt = s.now().Add(delay)
	s.fragCurrent = nil
	s.setState(StateFragLoadingWaitingRetry)
	s.log.Warn("recoverable failure, retrying",
		"sn", frag.SN, "details", se.Details, "attempt", s.failures, "delay", delay)
	s.bus.Publish(event.Error{Err: se})
}

// backoffDelay is min(base * 2^(failures-1), max).
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// onCapacity applies buffer-full recovery: shrink the ceiling when the
// playback position is already buffered, otherwise flush the track and
// re-buffer from scratch.
func (s *Controller) onCapacity(frag *playlist.Fragment) {
	pos := s.cfg.Sink.Position()
	buffered := false
	for t := range s.appended {
		if s.cfg.Sink.Contains(t, pos) {
			buffered = true
			break
		}
	}
	s.bus.Publish(event.Error{Err: &event.StreamError{
		Kind:    event.KindCapacity,
		Details: event.DetailsBufferFullError,
		Level:   frag.Level,
		Frag:    frag,
	}})

	if buffered {
		floor := s.cfg.MaxBufferLength
		if s.details != nil && s.details.TargetDuration > 0 {
			floor = s.details.TargetDuration
		}
		s.maxMax /= 2
		if s.maxMax < floor {
			s.maxMax = floor
		}
		s.fragCurrent = nil
		s.setState(StateIdle)
		s.log.Warn("buffer full, shrinking target", "ceiling", s.maxMax)
		return
	}

	s.setState(StateBufferFlushing)
	for t := range s.appended {
		s.cfg.Sink.Flush(t, 0, math.MaxFloat64)
		s.bus.Publish(event.BufferFlushed{TrackType: t})
	}
	s.prevFrag = nil
	s.fragCurrent = nil
	if s.pipeline != nil {
		s.pipeline.ResetTimestamp(nil)
		s.pipelinePrimed = false
	}
	s.log.Warn("buffer full outside playback position, flushed")
	s.setState(StateIdle)
	s.Tick()
}

func (s *Controller) fail(se *event.StreamError) {
	s.retryAt = time.Time{}
	s.fragCurrent = nil
	s.setState(StateError)
	s.log.Error("fatal stream error", "details", se.Details, "err", se.Err)
	s.bus.Publish(event.Error{Err: se})
}

func (s *Controller) onLevelSwitching(ev event.Event) {
	sw := ev.(event.LevelSwitching)
	if sw.Level == s.level {
		return
	}
	s.level = sw.Level
	switch s.state {
	case StateFragLoading, StateKeyLoading:
		s.fragCurrent = nil
		s.setState(StateIdle)
	case StateFragLoadingWaitingRetry:
		s.retryAt = time.Time{}
		s.fragCurrent = nil
		s.setState(StateIdle)
	}
	s.Tick()
}

func (s *Controller) onLevelLoaded(ev event.Event) {
	ll := ev.(event.LevelLoaded)
	if ll.Level != s.level {
		return
	}
	s.details = ll.Details
	s.detailsLevel = ll.Level
	s.Tick()
}

func (s *Controller) onInitPTSFound(ev event.Event) {
	ip := ev.(event.InitPTSFound)
	s.initPTS[ip.CC] = ip.InitPTS
	s.Tick()
}

func (s *Controller) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state transition", "from", s.state, "to", st)
	s.state = st
}
