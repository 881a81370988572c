package remux

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/refract/test/tools/tsutil"
)

func muxedInit(t *testing.T) []byte {
	t.Helper()
	ini := fmp4.Init{Tracks: []*fmp4.InitTrack{
		{ID: 1, TimeScale: 90000, Codec: &mp4.CodecH264{SPS: tsutil.SPS, PPS: tsutil.PPS}},
		{ID: 2, TimeScale: 44100, Codec: &mp4.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 44100, ChannelCount: 2},
		}},
	}}
	var buf seekablebuffer.Buffer
	if err := ini.Marshal(&buf); err != nil {
		t.Fatalf("init fixture: %v", err)
	}
	return buf.Bytes()
}

func audioOnlyInit(t *testing.T) []byte {
	t.Helper()
	ini := fmp4.Init{Tracks: []*fmp4.InitTrack{
		{ID: 2, TimeScale: 44100, Codec: &mp4.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 44100, ChannelCount: 2},
		}},
	}}
	var buf seekablebuffer.Buffer
	if err := ini.Marshal(&buf); err != nil {
		t.Fatalf("init fixture: %v", err)
	}
	return buf.Bytes()
}

func opaqueSamples(n int, dur uint32, firstSync bool) []*fmp4.Sample {
	out := make([]*fmp4.Sample, n)
	for i := range out {
		out[i] = &fmp4.Sample{
			Duration:        dur,
			IsNonSyncSample: !(firstSync && i == 0),
			Payload:         []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0xAA},
		}
	}
	return out
}

func muxedFragment(t *testing.T, seq uint32, videoBase, audioBase uint64) []byte {
	t.Helper()
	part := fmp4.Part{SequenceNumber: seq, Tracks: []*fmp4.PartTrack{
		{ID: 1, BaseTime: videoBase, Samples: opaqueSamples(3, 15000, true)},
		{ID: 2, BaseTime: audioBase, Samples: opaqueSamples(2, 1024, true)},
	}}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		t.Fatalf("fragment fixture: %v", err)
	}
	return buf.Bytes()
}

func TestPassthroughInitThenFragments(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	init := muxedInit(t)

	res, err := p.Remux(init, 0, false)
	if err != nil {
		t.Fatalf("Remux init: %v", err)
	}
	if res.InitVideo == nil {
		t.Fatal("no init segment for muxed rendition")
	}
	if res.InitVideo.Codec != "avc1.42C01E,mp4a.40.2" {
		t.Errorf("codec = %q", res.InitVideo.Codec)
	}
	if !bytes.Equal(res.InitVideo.Data, init) {
		t.Error("init data not forwarded unchanged")
	}
	if res.Video != nil || res.Audio != nil || res.InitPTS != nil {
		t.Errorf("unexpected media output for init-only input: %+v", res)
	}

	// Three 15000-tick samples starting at 10 s on the 90 kHz track.
	frag := muxedFragment(t, 1, 900000, 441000)
	res2, err := p.Remux(frag, 10, false)
	if err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}
	if res2.InitVideo != nil {
		t.Error("init segment re-emitted without reset")
	}
	if res2.InitPTS == nil || res2.InitPTS.Base != 0 {
		t.Fatalf("InitPTS = %+v, want base 0", res2.InitPTS)
	}
	seg := res2.Video
	if seg == nil {
		t.Fatal("no segment for muxed fragment")
	}
	if !bytes.Equal(seg.Data, frag) {
		t.Error("fragment data not forwarded unchanged")
	}
	if seg.StartDTS != 10 || seg.EndDTS != 10.5 {
		t.Errorf("segment spans %v..%v, want 10..10.5", seg.StartDTS, seg.EndDTS)
	}
	if !seg.Keyframe || seg.Samples != 3 {
		t.Errorf("keyframe %v samples %d, want true 3", seg.Keyframe, seg.Samples)
	}

	frag2 := muxedFragment(t, 2, 945000, 441000+2048)
	res3, err := p.Remux(frag2, 10.5, true)
	if err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}
	if res3.InitPTS != nil {
		t.Error("timeline anchor reported twice")
	}
	if res3.Video.StartDTS != seg.EndDTS {
		t.Errorf("StartDTS = %v, want previous EndDTS %v", res3.Video.StartDTS, seg.EndDTS)
	}
}

func TestPassthroughConcatenatedInitAndFragment(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	init := muxedInit(t)
	frag := muxedFragment(t, 1, 0, 0)

	res, err := p.Remux(append(append([]byte{}, init...), frag...), 0, false)
	if err != nil {
		t.Fatalf("Remux: %v", err)
	}
	if res.InitVideo == nil || !bytes.Equal(res.InitVideo.Data, init) {
		t.Fatal("init segment not split from concatenated input")
	}
	if res.Video == nil || !bytes.Equal(res.Video.Data, frag) {
		t.Fatal("media segment not split from concatenated input")
	}
	if res.Video.StartDTS != 0 || res.Video.EndDTS != 0.5 {
		t.Errorf("segment spans %v..%v, want 0..0.5", res.Video.StartDTS, res.Video.EndDTS)
	}
}

func TestPassthroughMediaBeforeInit(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	_, err := p.Remux(muxedFragment(t, 1, 0, 0), 0, false)
	if !errors.Is(err, ErrNoInitSegment) {
		t.Fatalf("err = %v, want ErrNoInitSegment", err)
	}
}

func TestPassthroughAudioOnly(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	if _, err := p.Remux(audioOnlyInit(t), 0, false); err != nil {
		t.Fatalf("Remux init: %v", err)
	}

	part := fmp4.Part{SequenceNumber: 1, Tracks: []*fmp4.PartTrack{
		{ID: 2, BaseTime: 441000, Samples: opaqueSamples(2, 1024, true)},
	}}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		t.Fatalf("fragment fixture: %v", err)
	}

	res, err := p.Remux(buf.Bytes(), 10, false)
	if err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}
	if res.Video != nil {
		t.Error("video segment emitted for audio-only rendition")
	}
	seg := res.Audio
	if seg == nil {
		t.Fatal("no audio segment")
	}
	if seg.StartPTS != 10 {
		t.Errorf("StartPTS = %v, want 10", seg.StartPTS)
	}
	if want := 10 + float64(2048)/44100; seg.EndPTS != want {
		t.Errorf("EndPTS = %v, want %v", seg.EndPTS, want)
	}
}

// TestPassthroughStypPrefix feeds a fragment carrying a styp box: timing must
// still be derived and the bytes forwarded with the styp intact.
func TestPassthroughStypPrefix(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	if _, err := p.Remux(muxedInit(t), 0, false); err != nil {
		t.Fatalf("Remux init: %v", err)
	}

	styp := []byte{0x00, 0x00, 0x00, 0x0C, 's', 't', 'y', 'p', 'm', 's', 'd', 'h'}
	frag := append(append([]byte{}, styp...), muxedFragment(t, 1, 900000, 441000)...)
	res, err := p.Remux(frag, 10, false)
	if err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}
	if res.Video == nil || !bytes.Equal(res.Video.Data, frag) {
		t.Fatal("fragment with styp not forwarded unchanged")
	}
	if res.Video.StartDTS != 10 {
		t.Errorf("StartDTS = %v, want 10", res.Video.StartDTS)
	}
}

func TestPassthroughResetInitSegment(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	init := muxedInit(t)
	if _, err := p.Remux(init, 0, false); err != nil {
		t.Fatalf("Remux init: %v", err)
	}

	p.ResetInitSegment()
	res, err := p.Remux(muxedFragment(t, 1, 0, 0), 0, false)
	if err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}
	if res.InitVideo == nil || !bytes.Equal(res.InitVideo.Data, init) {
		t.Fatal("stored init segment not re-emitted after reset")
	}
}

func TestPassthroughMalformedBox(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	// Declared size extends past the data.
	bad := []byte{0x00, 0x00, 0x01, 0x00, 'm', 'o', 'o', 'v', 0x00, 0x00}
	if _, err := p.Remux(bad, 0, false); err == nil {
		t.Fatal("no error for truncated box")
	}
}

func TestPassthroughTimestampReset(t *testing.T) {
	t.Parallel()

	p := NewPassthrough(testLogger())
	if _, err := p.Remux(muxedInit(t), 0, false); err != nil {
		t.Fatalf("Remux init: %v", err)
	}
	if _, err := p.Remux(muxedFragment(t, 1, 900000, 441000), 10, false); err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}

	// New continuity group: anchor rediscovered at the new offset.
	p.ResetTimestamp(nil)
	res, err := p.Remux(muxedFragment(t, 2, 1800000, 882000), 5, false)
	if err != nil {
		t.Fatalf("Remux fragment: %v", err)
	}
	if res.InitPTS == nil {
		t.Fatal("anchor not rediscovered after reset")
	}
	if res.Video.StartDTS != 5 {
		t.Errorf("StartDTS = %v, want 5", res.Video.StartDTS)
	}
}
