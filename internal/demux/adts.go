package demux

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/refract/internal/media"
)

// aacSampleRates maps the ADTS sampling_frequency_index to hertz.
var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000,
	22050, 16000, 12000, 11025, 8000, 7350,
}

const (
	adtsFixedHeaderSize = 7
	aacSamplesPerFrame  = 1024
)

type adtsHeader struct {
	objectType    uint8 // MPEG-4 audio object type (2 = AAC-LC)
	sampleRate    int
	channelConfig uint8
	headerSize    int // 7, or 9 when a CRC is present
	frameSize     int // total frame length including the header
}

func isADTSSync(b []byte) bool {
	return b[0] == 0xFF && b[1]&0xF6 == 0xF0
}

func parseADTSHeader(b []byte) (adtsHeader, bool) {
	if len(b) < adtsFixedHeaderSize || !isADTSSync(b) {
		return adtsHeader{}, false
	}
	sfIdx := (b[2] >> 2) & 0x0F
	if int(sfIdx) >= len(aacSampleRates) {
		return adtsHeader{}, false
	}
	h := adtsHeader{
		objectType:    (b[2]>>6)&0x03 + 1,
		sampleRate:    aacSampleRates[sfIdx],
		channelConfig: (b[2]&0x01)<<2 | b[3]>>6,
		headerSize:    adtsFixedHeaderSize,
	}
	if b[1]&0x01 == 0 {
		h.headerSize = 9 // protection_absent unset, CRC follows the header
	}
	h.frameSize = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5])>>5
	if h.channelConfig == 0 || h.frameSize <= h.headerSize {
		return adtsHeader{}, false
	}
	return h, true
}

// adtsParser scans ADTS frames out of byte buffers fed in arbitrary slices.
// A frame truncated at a buffer boundary is carried into the next call, and
// each frame's PTS is extrapolated from the last anchor by frame index so
// the output does not depend on how the stream was sliced.
type adtsParser struct {
	log *slog.Logger

	overflow []byte // bytes of a truncated frame awaiting the next buffer

	basePTS    int64 // anchor for frame-index extrapolation
	frameIndex int
	haveBase   bool

	lastPTS  int64 // rollover reference
	haveLast bool
}

// anchor restarts extrapolation from a 33-bit timestamp, normalizing it
// against the last emitted frame.
func (p *adtsParser) anchor(pts int64) {
	if p.haveLast {
		pts = media.NormalizePTS(pts, p.lastPTS)
	}
	p.basePTS = pts
	p.frameIndex = 0
	p.haveBase = true
}

func (p *adtsParser) reset() {
	p.overflow = nil
	p.frameIndex = 0
	p.haveBase = false
	p.haveLast = false
}

// parse appends one audio sample per complete frame in data to t. Bytes that
// precede the first sync word are skipped; frames seen before any anchor are
// counted as dropped.
func (p *adtsParser) parse(data []byte, t *media.AudioTrack) {
	if len(p.overflow) > 0 {
		data = append(p.overflow, data...)
		p.overflow = nil
	}

	skipped := 0
	i := 0
	for i < len(data) {
		if len(data)-i < 2 {
			// A lone trailing 0xFF may begin the next frame's header.
			if data[i] == 0xFF {
				p.overflow = append([]byte(nil), data[i:]...)
			} else {
				skipped++
			}
			break
		}
		if !isADTSSync(data[i:]) {
			i++
			skipped++
			continue
		}
		if len(data)-i < adtsFixedHeaderSize {
			p.overflow = append([]byte(nil), data[i:]...)
			break
		}
		hdr, ok := parseADTSHeader(data[i:])
		if !ok {
			i++
			skipped++
			continue
		}
		if i+hdr.frameSize > len(data) {
			p.overflow = append([]byte(nil), data[i:]...)
			break
		}

		p.applyConfig(t, hdr)
		payload := data[i+hdr.headerSize : i+hdr.frameSize]
		if p.haveBase {
			pts := p.basePTS + int64(p.frameIndex)*aacSamplesPerFrame*media.MPEGClockRate/int64(hdr.sampleRate)
			t.Samples = append(t.Samples, media.AudioSample{PTS: pts, Data: payload})
			t.Bytes += len(payload)
			p.frameIndex++
			p.lastPTS = pts
			p.haveLast = true
		} else {
			t.Dropped++
		}
		i += hdr.frameSize
	}

	if skipped > 0 {
		p.log.Debug("skipped bytes searching for ADTS sync", "bytes", skipped)
	}
}

func (p *adtsParser) applyConfig(t *media.AudioTrack, hdr adtsHeader) {
	if t.HasConfig() && t.SampleRate == hdr.sampleRate &&
		t.ChannelCount == int(hdr.channelConfig) && t.ObjectType == hdr.objectType {
		return
	}
	if t.HasConfig() {
		p.log.Info("audio codec configuration changed", "codec", t.Codec)
		t.Reset()
	}
	t.SampleRate = hdr.sampleRate
	t.ChannelCount = int(hdr.channelConfig)
	t.ObjectType = hdr.objectType
	t.Codec = fmt.Sprintf("mp4a.40.%d", hdr.objectType)
	t.TimeScale = media.MPEGClockRate
}

// ADTS demuxes raw AAC elementary streams, the container used by audio-only
// renditions. A leading ID3 tag supplies the timestamp anchor when it carries
// one; otherwise extrapolation starts from the caller's time offset.
type ADTS struct {
	log    *slog.Logger
	parser adtsParser
	tracks *media.TrackSet
}

// NewADTS returns a demuxer for a raw ADTS stream.
func NewADTS(log *slog.Logger) *ADTS {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "demux")
	return &ADTS{
		log:    log,
		parser: adtsParser{log: log},
		tracks: media.NewTrackSet(media.ContainerADTS),
	}
}

// Demux scans data for ADTS frames and returns the track set the samples
// were appended to. When contiguous is false, carried parse state and the
// extrapolation anchor are discarded first.
func (d *ADTS) Demux(data []byte, timeOffset float64, contiguous bool) (*media.TrackSet, error) {
	if !contiguous {
		d.parser.reset()
	}
	if n := SkipID3(data); n > 0 {
		if pts, ok := ReadID3Timestamp(data[:n]); ok {
			d.parser.anchor(pts)
			pts = d.parser.basePTS
			d.tracks.Meta.Samples = append(d.tracks.Meta.Samples, media.MetaSample{
				PTS:  pts,
				DTS:  pts,
				Data: append([]byte(nil), data[:n]...),
			})
		}
		data = data[n:]
	}
	if !d.parser.haveBase {
		d.parser.anchor(media.FromSeconds(timeOffset))
	}
	d.parser.parse(data, d.tracks.Audio)
	return d.tracks, nil
}

// Flush discards any truncated trailing frame and returns the track set.
func (d *ADTS) Flush() *media.TrackSet {
	if n := len(d.parser.overflow); n > 0 {
		d.log.Debug("discarding truncated trailing frame", "bytes", n)
		d.parser.overflow = nil
	}
	return d.tracks
}

// Reset prepares the demuxer for an unrelated stream. Track generations
// advance so downstream consumers regenerate initialization data.
func (d *ADTS) Reset() {
	d.parser.reset()
	d.tracks.Reset()
}

// ProbeADTS reports whether data begins an ADTS stream, allowing a leading
// ID3 tag before the first sync word. A complete first frame must be
// followed by a second sync word when enough bytes are present to check.
func ProbeADTS(data []byte) bool {
	data = data[SkipID3(data):]
	hdr, ok := parseADTSHeader(data)
	if !ok {
		return false
	}
	if hdr.frameSize+1 < len(data) {
		return isADTSSync(data[hdr.frameSize:])
	}
	return true
}
