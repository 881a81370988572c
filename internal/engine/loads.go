package engine

import (
	"bytes"
	"errors"
	"time"

	"github.com/zsiec/refract/internal/event"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/playlist"
	"github.com/zsiec/refract/internal/stream"
)

// fetcher adapts the loader to one stream controller. Fetch calls run on
// the loop; the actual transfer runs in a goroutine and its completion is
// posted back, so the controller only ever sees results on its own
// goroutine.
//
// An EXT-X-MAP init section is fetched once per map URL and prepended to
// each fragment payload, giving the pipeline a self-contained resource.
// Encrypted fragments skip the prepend: the init section is plaintext and
// the payload is decrypted as a whole after loading.
type fetcher struct {
	e    *Engine
	ctrl *stream.Controller

	initURL  string
	initData []byte
}

// resetInit drops the cached init section, forcing a refetch. Called on
// track switches.
func (f *fetcher) resetInit() {
	f.initURL = ""
	f.initData = nil
}

func (f *fetcher) FetchFragment(frag *playlist.Fragment) {
	var initMap *playlist.InitMap
	initData := f.initData
	if m := frag.InitMap; m != nil && frag.Key == nil {
		if m.URL != f.initURL {
			initMap = m
			initData = nil
		}
	} else {
		initData = nil
	}

	go func() {
		var fetched []byte
		if initMap != nil {
			data, _, lerr := f.e.fetch(initMap.URL, initMap.ByteRange)
			if lerr != nil {
				f.e.post(func() { f.ctrl.OnLoadError(frag, lerr) })
				return
			}
			fetched = data
			initData = data
		}
		data, stats, lerr := f.e.fetch(frag.URL, frag.ByteRange)
		if lerr != nil {
			f.e.post(func() { f.ctrl.OnLoadError(frag, lerr) })
			return
		}
		if len(initData) > 0 {
			data = append(append(make([]byte, 0, len(initData)+len(data)), initData...), data...)
		}
		f.e.post(func() {
			if fetched != nil {
				f.initURL = initMap.URL
				f.initData = fetched
			}
			f.ctrl.OnFragLoaded(frag, data, stats)
		})
	}()
}

func (f *fetcher) FetchKey(frag *playlist.Fragment) {
	key := frag.Key
	go func() {
		data, _, lerr := f.e.fetch(key.URL, nil)
		if lerr != nil {
			f.e.post(func() { f.ctrl.OnLoadError(frag, lerr) })
			return
		}
		f.e.post(func() { f.ctrl.OnKeyLoaded(frag, data) })
	}()
}

// fetch loads one resource, optionally range-limited, classifying failures
// as *loader.Error.
func (e *Engine) fetch(url string, br *playlist.ByteRange) ([]byte, loader.Stats, *loader.Error) {
	req := loader.Request{URL: url}
	if br != nil {
		req.Offset = br.Offset
		req.Length = br.Length
	}
	resp, err := e.client.Load(e.ctx, req)
	if err != nil {
		return nil, loader.Stats{}, asLoadError(err)
	}
	return resp.Data, resp.Stats, nil
}

func asLoadError(err error) *loader.Error {
	var lerr *loader.Error
	if errors.As(err, &lerr) {
		return lerr
	}
	return &loader.Error{Err: err}
}

// loadLevel fetches and parses the media playlist for level i. The parse
// runs off-loop; only the completion touches controller state. Failures are
// published as level-scoped load errors so the rendition controller's
// recovery ladder applies, a parse failure included, since rotating to a
// redundant source also cures an origin serving garbage.
func (e *Engine) loadLevel(i int, url string) {
	go func() {
		resp, err := e.client.Load(e.ctx, loader.Request{URL: url})
		if err != nil {
			lerr := asLoadError(err)
			details := event.DetailsLevelLoadError
			if lerr.Timeout {
				details = event.DetailsLevelLoadTimeout
			}
			e.post(func() {
				e.bus.Publish(event.Error{Err: &event.StreamError{
					Kind:    event.KindLoad,
					Details: details,
					Level:   i,
					Err:     lerr,
				}})
			})
			return
		}
		d, perr := playlist.ParseMedia(bytes.NewReader(resp.Data), resp.URL, i)
		e.post(func() {
			if perr != nil {
				e.bus.Publish(event.Error{Err: &event.StreamError{
					Kind:    event.KindLoad,
					Details: event.DetailsLevelParsingError,
					Level:   i,
					Err:     perr,
				}})
				return
			}
			e.levels.OnLevelLoaded(i, d, resp.Stats)
		})
	}()
}

// loadAudioTrack fetches and parses the playlist of alternate audio track
// idx. Fragments are stamped with level -1 so follower failures never drive
// variant failover. seq invalidates completions superseded by a track
// switch.
func (e *Engine) loadAudioTrack(idx int, url string) {
	seq := e.audioLoadSeq
	go func() {
		resp, err := e.client.Load(e.ctx, loader.Request{URL: url})
		if err != nil {
			lerr := asLoadError(err)
			e.post(func() { e.audioLoadFailed(idx, seq, lerr) })
			return
		}
		d, perr := playlist.ParseMedia(bytes.NewReader(resp.Data), resp.URL, -1)
		e.post(func() {
			if perr != nil {
				e.audioLoadFailed(idx, seq, &loader.Error{URL: resp.URL, Err: perr})
				return
			}
			e.audioLoaded(idx, seq, d, resp.Stats)
		})
	}()
}

func (e *Engine) audioLoaded(idx, seq int, d *playlist.LevelDetails, stats loader.Stats) {
	e.audioPending = false
	if seq != e.audioLoadSeq || idx != e.audioSel || e.audio == nil {
		return
	}
	t := e.audioTrack(idx)
	if t == nil {
		return
	}
	prev := t.Details
	stale := prev != nil && d.Live && prev.EndSN == d.EndSN
	t.Details = d
	e.audioLoadErrors = 0

	if e.audioSwitch {
		e.audioSwitch = false
		e.audioFetch.resetInit()
		e.audio.SwitchTrack(d)
		e.audio.Start()
	} else {
		e.audio.SetTrackDetails(d)
	}

	if d.Live {
		interval := time.Duration(d.TargetDuration * float64(time.Second))
		if stale {
			interval /= 2
		}
		interval -= stats.ResponseTime.Sub(stats.RequestTime)
		if interval < time.Second {
			interval = time.Second
		}
		e.audioReloadAt = e.now().Add(interval)
	} else {
		e.audioReloadAt = time.Time{}
	}
}

func (e *Engine) audioLoadFailed(idx, seq int, lerr *loader.Error) {
	e.audioPending = false
	if seq != e.audioLoadSeq || idx != e.audioSel {
		return
	}
	details := event.DetailsAudioTrackLoadError
	if lerr.Timeout {
		details = event.DetailsAudioTrackLoadTimeout
	}
	se := &event.StreamError{
		Kind:    event.KindLoad,
		Details: details,
		Level:   -1,
		Err:     lerr,
	}
	maxRetries := e.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 6
	}
	e.audioLoadErrors++
	if e.audioLoadErrors > maxRetries {
		se.Fatal = true
		e.bus.Publish(event.Error{Err: se})
		return
	}
	e.bus.Publish(event.Error{Err: se})
	delay := e.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	e.audioReloadAt = e.now().Add(delay)
	e.log.Warn("audio track playlist retry scheduled",
		"track", idx, "in", delay, "errors", e.audioLoadErrors)
}
