package main

import (
	"bytes"
	"sync"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
	"github.com/zsiec/refract/test/tools/tsutil"
)

const (
	pmtPID   = 0x1000
	videoPID = 0x100
	audioPID = 0x101

	fps          = 25
	videoTick    = 90000 / fps
	sampleRate   = 44100
	samplesPerAU = 1024

	basePTS = 126000 // 1.4s
)

// synth builds deterministic TS and ADTS segments. Video segments are
// synthesized strictly in sequence: continuity counters and the caption
// banner must carry across segment boundaries the way a real segmenter's
// output does.
type synth struct {
	segFrames int
	captions  bool

	mu    sync.Mutex
	next  int
	cc    counters
	cache map[int][]byte
}

type counters struct {
	pat, pmt, vid, aud byte
}

func newSynth(segFrames int, withCaptions bool) *synth {
	return &synth{
		segFrames: segFrames,
		captions:  withCaptions,
		cache:     make(map[int][]byte),
	}
}

// videoDur is the exact video segment duration in seconds.
func (s *synth) videoDur() float64 {
	return float64(s.segFrames) / fps
}

// audioDur is the duration of the AAC frames covering video segment sn.
func (s *synth) audioDur(sn int) float64 {
	_, count := s.audioRange(sn)
	return float64(count) * samplesPerAU / sampleRate
}

// VideoSegment returns the TS segment for sn, synthesizing forward from the
// last generated sequence number as needed.
func (s *synth) VideoSegment(sn int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.cache[sn]; ok {
		return b
	}
	for s.next <= sn {
		s.cache[s.next] = s.buildVideo(s.next)
		s.next++
	}
	return s.cache[sn]
}

// Prune drops cached segments below sn. Generation state is kept so later
// segments stay continuous.
func (s *synth) Prune(sn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k < sn {
			delete(s.cache, k)
		}
	}
}

// AudioSegment returns the alternate-rendition ADTS segment for sn: an ID3
// timestamp tag followed by the same AAC frames that ride the TS mux.
func (s *synth) AudioSegment(sn int) []byte {
	first, count := s.audioRange(sn)
	out := tsutil.ID3Timestamp(audioPTS(first))
	return append(out, adtsFrames(count)...)
}

func (s *synth) buildVideo(sn int) []byte {
	var out []byte
	out = append(out, tsutil.PSIPacket(0, tsutil.PATSection(pmtPID), &s.cc.pat)...)
	out = append(out, tsutil.PSIPacket(pmtPID, tsutil.PMTSection(videoPID, []tsutil.PMTStream{
		{PID: videoPID, Type: mpegts.StreamTypeH264},
		{PID: audioPID, Type: mpegts.StreamTypeADTS},
	}), &s.cc.pmt)...)

	segStart := int64(basePTS) + int64(sn)*int64(s.segFrames)*videoTick
	for i := 0; i < s.segFrames; i++ {
		ts := segStart + int64(i)*videoTick
		units := [][]byte{tsutil.AUD}
		if i == 0 {
			units = append(units, tsutil.SPS, tsutil.PPS)
		}
		if s.captions {
			if sei := captionSEI(sn, i, s.segFrames); sei != nil {
				units = append(units, sei)
			}
		}
		if i == 0 {
			units = append(units, tsutil.IDR(1100))
		} else {
			units = append(units, tsutil.Slice(true, 160))
		}
		pes := tsutil.PESWithPTSDTS(0xE0, ts, ts, tsutil.AnnexB(units...))
		out = append(out, tsutil.Packetize(pes, videoPID, &s.cc.vid)...)
	}

	first, count := s.audioRange(sn)
	pes := tsutil.PESWithPTS(0xC0, audioPTS(first), adtsFrames(count))
	return append(out, tsutil.Packetize(pes, audioPID, &s.cc.aud)...)
}

// audioRange returns the first AAC frame index and frame count covering
// video segment sn. Boundaries are sample-exact so the audio lattice stays
// continuous across segments.
func (s *synth) audioRange(sn int) (first, count int) {
	perSeg := s.segFrames * (sampleRate / fps)
	lo := sn * perSeg
	hi := lo + perSeg
	first = (lo + samplesPerAU - 1) / samplesPerAU
	end := (hi + samplesPerAU - 1) / samplesPerAU
	return first, end - first
}

func audioPTS(frame int) int64 {
	return basePTS + media.FromSeconds(float64(frame)*samplesPerAU/sampleRate)
}

func adtsFrames(count int) []byte {
	payload := bytes.Repeat([]byte{0x55}, 64)
	var out []byte
	for i := 0; i < count; i++ {
		out = append(out, tsutil.ADTSFrame(4, 2, payload)...)
	}
	return out
}
