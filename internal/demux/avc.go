package demux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// SPSInfo holds parameters extracted from an H.264 Sequence Parameter Set:
// the coded resolution after frame cropping and the profile/level identifiers
// that form the RFC 6381 codec string.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

var errSPSTooShort = errors.New("SPS data too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// ParseSPS parses an H.264 SPS NAL unit up to the frame cropping fields and
// returns the coded resolution and profile/level. The input is the raw NAL
// data including the NAL header byte but without the start code.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	if profileIdc == 100 || profileIdc == 110 || profileIdc == 122 ||
		profileIdc == 244 || profileIdc == 44 || profileIdc == 83 ||
		profileIdc == 86 || profileIdc == 118 || profileIdc == 128 ||
		profileIdc == 138 || profileIdc == 139 || profileIdc == 134 {

		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return SPSInfo{}, err
			}
			separateColourPlane = val == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return SPSInfo{}, err
		}

		seqScalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return SPSInfo{}, err
		}
		if seqScalingMatrixPresent == 1 {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return SPSInfo{}, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return SPSInfo{}, err
					}
				}
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return SPSInfo{}, err
	}

	picOrderCntType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return SPSInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed
		return SPSInfo{}, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field
			return SPSInfo{}, err
		}
	}

	if _, err := br.readBits(1); err != nil { // direct_8x8_inference
		return SPSInfo{}, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	frameCroppingFlag, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameCroppingFlag == 1 {
		cropLeft, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		cropRight, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		cropTop, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		cropBottom, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 0:
		subWidthC, subHeightC = 1, 1
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	case 3:
		subWidthC, subHeightC = 1, 1
	default:
		subWidthC, subHeightC = 2, 2
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	width := int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	heightMul := 2 - frameMbsOnly
	height := int((picHeightMapUnits+1)*16*heightMul - cropUnitY*(cropTop+cropBottom))

	return SPSInfo{
		Width:           width,
		Height:          height,
		ProfileIDC:      byte(profileIdc),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIdc),
	}, nil
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// naluChunk is a piece of a NAL unit produced by the splitter: the first
// bytes of a new unit (start=true, after the start code) or a continuation
// of the unit opened by an earlier chunk.
type naluChunk struct {
	start bool
	data  []byte
}

var zeroBytes = [3]byte{}

// naluSplitter extracts NAL unit chunks from an Annex B byte stream fed in
// arbitrary slices. Up to three trailing zero bytes of each slice are
// withheld until the next slice shows whether they belong to a start code or
// to the open unit, so splitting is invariant to where the stream is cut.
type naluSplitter struct {
	zeros int // trailing zero bytes withheld at the last buffer boundary
}

// split consumes buf and returns the chunks it completes. Chunk data aliases
// buf (or the shared zero array) and must be copied by the consumer if it is
// retained.
func (s *naluSplitter) split(buf []byte) []naluChunk {
	if len(buf) == 0 {
		return nil
	}

	var chunks []naluChunk
	emit := func(start bool, data []byte) {
		if !start && len(data) == 0 {
			return
		}
		chunks = append(chunks, naluChunk{start: start, data: data})
	}

	carry := s.zeros // zeros logically preceding buf[0], part of the first region
	zeros := s.zeros // consecutive zeros ending just before the cursor
	s.zeros = 0
	from := 0       // start of the current region within buf
	opened := false // the current region begins a unit

	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b == 0 {
			zeros++
			continue
		}
		if b == 1 && zeros >= 2 {
			// Start code. At most three zeros belong to it; earlier
			// zeros are payload of the region being closed.
			sc := zeros
			if sc > 3 {
				sc = 3
			}
			end := i - sc
			if from == 0 && carry > 0 {
				// end < 0 means part of the start code was withheld
				// from the previous buffer.
				keep := carry
				if end < 0 {
					keep += end
					end = 0
				}
				emit(opened, zeroBytes[:keep])
				carry = 0
			}
			emit(opened, buf[from:end])
			from = i + 1
			opened = true
			zeros = 0
			continue
		}
		zeros = 0
	}

	// Withhold trailing zeros that the next buffer may reveal to be a start
	// code. Everything else in the final region is emitted now; a region
	// opened by a start code is emitted even when empty so the consumer
	// opens the unit.
	tail := len(buf) - from
	withhold := zeros
	if withhold > 3 {
		withhold = 3
	}
	fromBuf := withhold
	if fromBuf > tail {
		fromBuf = tail
	}
	if from == 0 && carry > 0 {
		emit(opened, zeroBytes[:carry-(withhold-fromBuf)])
	}
	emit(opened, buf[from:len(buf)-fromBuf])
	s.zeros = withhold

	return chunks
}

// flush returns any withheld zero bytes; at end of stream they belong to the
// open unit.
func (s *naluSplitter) flush() []byte {
	z := s.zeros
	s.zeros = 0
	if z == 0 {
		return nil
	}
	return zeroBytes[:z]
}

func (s *naluSplitter) reset() {
	s.zeros = 0
}

// avcBuilder assembles H.264 access units from the NAL unit chunks of
// successive PES payloads and appends completed units as video samples.
// Access-unit boundaries follow the access unit delimiter when present and
// otherwise the first-macroblock heuristic on slice headers.
type avcBuilder struct {
	log   *slog.Logger
	split naluSplitter

	unit    []byte // NAL unit under accumulation, nil when none is open
	hasUnit bool
	unitPTS int64 // PES timestamps captured when the unit opened
	unitDTS int64
	unitOK  bool

	units [][]byte // completed units of the open access unit
	auPTS int64
	auDTS int64
	auOK  bool
	vcl   bool // open access unit contains a coded slice
	key   bool // open access unit contains an IDR slice

	sps []byte // latest parameter sets seen in the stream
	pps []byte

	pts     int64 // normalized timestamps of the current PES
	dts     int64
	havePTS bool
	lastPTS int64 // rollover references
	lastDTS int64
	haveRef bool
}

// push feeds one PES payload to the builder, stamping units that open inside
// it with the PES timestamps. Completed access units are appended to the
// set's video track; SEI payloads also land on the text track for caption
// extraction.
func (b *avcBuilder) push(pes *mpegts.PES, set *media.TrackSet) {
	if pes.PTS != nil {
		pts := pes.PTS.Base
		dts := pts
		if pes.DTS != nil {
			dts = pes.DTS.Base
		}
		if b.haveRef {
			pts = media.NormalizePTS(pts, b.lastPTS)
			dts = media.NormalizePTS(dts, b.lastDTS)
		}
		b.pts, b.dts = pts, dts
		b.lastPTS, b.lastDTS = pts, dts
		b.haveRef = true
		b.havePTS = true
	}

	for _, c := range b.split.split(pes.Data) {
		if c.start {
			b.closeUnit(set)
			b.hasUnit = true
			b.unit = b.unit[:0]
			b.unitPTS, b.unitDTS, b.unitOK = b.pts, b.dts, b.havePTS
		}
		if b.hasUnit {
			b.unit = append(b.unit, c.data...)
		}
	}
}

// flush completes the open unit and access unit at end of stream.
func (b *avcBuilder) flush(set *media.TrackSet) {
	if z := b.split.flush(); len(z) > 0 && b.hasUnit {
		b.unit = append(b.unit, z...)
	}
	b.closeUnit(set)
	b.closeAU(set)
}

// reset discards parse state and timestamp references. Track configuration
// is left alone; a following stream restates it via SPS/PPS.
func (b *avcBuilder) reset() {
	b.split.reset()
	b.unit = nil
	b.hasUnit = false
	b.units = nil
	b.auOK = false
	b.vcl = false
	b.key = false
	b.havePTS = false
	b.haveRef = false
}

// closeUnit finishes the NAL unit under accumulation and routes it by type.
func (b *avcBuilder) closeUnit(set *media.TrackSet) {
	if !b.hasUnit {
		return
	}
	unit := b.unit
	b.unit = nil
	b.hasUnit = false
	if len(unit) == 0 {
		return
	}

	switch unit[0] & 0x1F {
	case NALTypeAUD:
		// Delimits the access unit; carries nothing worth keeping.
		b.closeAU(set)
		return
	case NALTypeFillerData:
		return
	case NALTypeSlice, NALTypeIDR:
		// first_mb_in_slice == 0 opens a new picture: ue(v) zero is a
		// single set bit at the top of the byte after the NAL header.
		if b.vcl && len(unit) > 1 && unit[1]&0x80 != 0 {
			b.closeAU(set)
		}
		b.appendUnit(unit)
		b.vcl = true
		if unit[0]&0x1F == NALTypeIDR {
			b.key = true
		}
		return
	case NALTypeSEI:
		b.appendUnit(unit)
		return
	case NALTypeSPS:
		b.sps = append([]byte(nil), unit...)
		b.applyConfig(set.Video)
		b.appendUnit(unit)
		return
	case NALTypePPS:
		b.pps = append([]byte(nil), unit...)
		b.applyConfig(set.Video)
		b.appendUnit(unit)
		return
	default:
		b.appendUnit(unit)
		return
	}
}

func (b *avcBuilder) appendUnit(unit []byte) {
	if len(b.units) == 0 {
		b.auPTS, b.auDTS, b.auOK = b.unitPTS, b.unitDTS, b.unitOK
	}
	b.units = append(b.units, unit)
}

// closeAU emits the open access unit as a video sample. Units without a
// coded slice or without a usable timestamp are dropped.
func (b *avcBuilder) closeAU(set *media.TrackSet) {
	units := b.units
	vcl, key, ok := b.vcl, b.key, b.auOK
	pts, dts := b.auPTS, b.auDTS
	b.units = nil
	b.vcl = false
	b.key = false
	b.auOK = false
	if len(units) == 0 {
		return
	}
	t := set.Video
	if !vcl || !ok {
		t.Dropped++
		return
	}

	length := 0
	for _, u := range units {
		length += len(u)
		if u[0]&0x1F == NALTypeSEI {
			set.Text.Samples = append(set.Text.Samples, media.MetaSample{
				PTS:  pts,
				DTS:  dts,
				Data: u,
			})
		}
	}
	t.Samples = append(t.Samples, media.VideoSample{
		PTS:      pts,
		DTS:      dts,
		Keyframe: key,
		NALUs:    units,
		Length:   length,
	})
	t.Bytes += length
}

// applyConfig installs the captured parameter sets on the track once both
// are present, resetting it first when they replace an existing
// configuration.
func (b *avcBuilder) applyConfig(t *media.VideoTrack) {
	if len(b.sps) == 0 || len(b.pps) == 0 {
		return
	}
	if t.HasConfig() {
		if bytes.Equal(t.SPS, b.sps) && bytes.Equal(t.PPS, b.pps) {
			return
		}
		b.log.Info("video codec configuration changed", "codec", t.Codec)
		t.Reset()
	}
	info, err := ParseSPS(b.sps)
	if err != nil {
		b.log.Warn("SPS parse failed", "err", err)
		return
	}
	t.SPS = b.sps
	t.PPS = b.pps
	t.Codec = info.CodecString()
	t.Width = info.Width
	t.Height = info.Height
	t.TimeScale = media.MPEGClockRate
}
