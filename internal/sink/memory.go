// Package sink buffers remuxed segments per track type, modeling the
// playback buffer the controllers feed: coalesced buffered ranges, a byte
// capacity, a playback position cursor, and range flushing.
package sink

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/refract/internal/media"
)

// rangeGapTolerance merges buffered ranges separated by less than this
// many seconds, absorbing float noise from passthrough timescales.
const rangeGapTolerance = 0.001

// CapacityError reports an append rejected because it would exceed the
// configured byte capacity.
type CapacityError struct {
	Used     int64
	Needed   int64
	Capacity int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("sink: buffer full: %d used + %d needed > %d capacity",
		e.Used, e.Needed, e.Capacity)
}

// Segment is one stored media segment.
type Segment struct {
	Type  media.TrackType
	Data  []byte
	Start float64
	End   float64
}

// Config sizes the sink.
type Config struct {
	// Capacity caps total stored bytes across tracks, init segments
	// included. Zero means unlimited.
	Capacity int64
}

// Memory is an in-memory sink. Safe for concurrent use: the engine loop
// appends while a drain loop (the CLI segment writer) reads.
type Memory struct {
	log      *slog.Logger
	capacity int64

	mu     sync.RWMutex
	used   int64
	pos    float64
	tracks map[media.TrackType]*trackBuffer
}

type trackBuffer struct {
	init     []byte
	segments []Segment // ascending by Start
}

// NewMemory creates a sink. Pass a nil logger to use slog.Default.
func NewMemory(cfg Config, log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		log:      log.With("component", "sink"),
		capacity: cfg.Capacity,
		tracks:   make(map[media.TrackType]*trackBuffer),
	}
}

func (m *Memory) track(t media.TrackType) *trackBuffer {
	tb, ok := m.tracks[t]
	if !ok {
		tb = &trackBuffer{}
		m.tracks[t] = tb
	}
	return tb
}

// AppendInit stores the init segment for one track, replacing any prior.
func (m *Memory) AppendInit(t media.TrackType, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tb := m.track(t)
	delta := int64(len(data)) - int64(len(tb.init))
	if m.capacity > 0 && m.used+delta > m.capacity {
		return &CapacityError{Used: m.used, Needed: delta, Capacity: m.capacity}
	}
	m.used += delta
	tb.init = append([]byte(nil), data...)
	m.log.Debug("init segment stored", "track", t, "bytes", len(data))
	return nil
}

// Init returns the stored init segment for t, or nil.
func (m *Memory) Init(t media.TrackType) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tb, ok := m.tracks[t]; ok {
		return tb.init
	}
	return nil
}

// Append stores one media segment in timeline order. Stored segments
// fully covered by the new one are replaced, so re-appending a fragment
// after a capacity retry does not duplicate it.
func (m *Memory) Append(t media.TrackType, data []byte, start, end float64) error {
	if end < start {
		return fmt.Errorf("sink: invalid segment range [%v, %v)", start, end)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tb := m.track(t)
	var replaced int64
	for _, seg := range tb.segments {
		if seg.Start >= start && seg.End <= end {
			replaced += int64(len(seg.Data))
		}
	}
	delta := int64(len(data)) - replaced
	if m.capacity > 0 && m.used+delta > m.capacity {
		return &CapacityError{Used: m.used, Needed: delta, Capacity: m.capacity}
	}

	kept := tb.segments[:0]
	for _, seg := range tb.segments {
		if !(seg.Start >= start && seg.End <= end) {
			kept = append(kept, seg)
		}
	}
	tb.segments = kept

	seg := Segment{Type: t, Data: data, Start: start, End: end}
	i := sort.Search(len(tb.segments), func(i int) bool {
		return tb.segments[i].Start > start
	})
	tb.segments = append(tb.segments, Segment{})
	copy(tb.segments[i+1:], tb.segments[i:])
	tb.segments[i] = seg

	m.used += delta
	return nil
}

// Buffered returns the coalesced buffered ranges for t.
func (m *Memory) Buffered(t media.TrackType) []media.TimeRange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tb, ok := m.tracks[t]
	if !ok || len(tb.segments) == 0 {
		return nil
	}
	var out []media.TimeRange
	cur := media.TimeRange{Start: tb.segments[0].Start, End: tb.segments[0].End}
	for _, seg := range tb.segments[1:] {
		if seg.Start <= cur.End+rangeGapTolerance {
			if seg.End > cur.End {
				cur.End = seg.End
			}
			continue
		}
		out = append(out, cur)
		cur = media.TimeRange{Start: seg.Start, End: seg.End}
	}
	return append(out, cur)
}

// Contains reports whether pos falls inside a buffered range of t.
func (m *Memory) Contains(t media.TrackType, pos float64) bool {
	for _, r := range m.Buffered(t) {
		if r.Contains(pos) {
			return true
		}
	}
	return false
}

// Flush drops every stored segment of t intersecting [start, end).
func (m *Memory) Flush(t media.TrackType, start, end float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tb := m.track(t)
	kept := tb.segments[:0]
	var freed int64
	for _, seg := range tb.segments {
		if seg.End <= start || seg.Start >= end {
			kept = append(kept, seg)
			continue
		}
		freed += int64(len(seg.Data))
		m.used -= int64(len(seg.Data))
	}
	tb.segments = kept
	m.log.Debug("flushed", "track", t, "start", start, "end", end, "bytes", freed)
}

// Segments returns a snapshot of every stored segment of t in timeline
// order. Payloads are shared, not copied; they are immutable once stored.
func (m *Memory) Segments(t media.TrackType) []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tb, ok := m.tracks[t]
	if !ok {
		return nil
	}
	out := make([]Segment, len(tb.segments))
	copy(out, tb.segments)
	return out
}

// Position returns the playback cursor.
func (m *Memory) Position() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

// SetPosition moves the playback cursor.
func (m *Memory) SetPosition(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
}

// Used returns the total stored bytes.
func (m *Memory) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
