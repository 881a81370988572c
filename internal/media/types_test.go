package media

import "testing"

func TestVideoTrackReset(t *testing.T) {
	t.Parallel()

	tr := &VideoTrack{Container: ContainerMPEGTS, TimeScale: MPEGClockRate}
	tr.SPS = []byte{0x67, 0x64, 0x00, 0x1F}
	tr.PPS = []byte{0x68, 0xEE}
	tr.Codec = "avc1.64001f"
	tr.Samples = append(tr.Samples, VideoSample{PTS: 100, DTS: 100})
	tr.Bytes = 42

	gen := tr.Generation
	tr.Reset()

	if tr.Generation != gen+1 {
		t.Errorf("generation = %d, want %d", tr.Generation, gen+1)
	}
	if tr.HasConfig() {
		t.Error("config survived reset")
	}
	if len(tr.Samples) != 0 || tr.Bytes != 0 || tr.Codec != "" {
		t.Error("samples, bytes or codec survived reset")
	}
}

func TestVideoTrackTakeSamples(t *testing.T) {
	t.Parallel()

	tr := &VideoTrack{}
	tr.SPS = []byte{0x67}
	tr.PPS = []byte{0x68}
	tr.Samples = []VideoSample{{PTS: 1}, {PTS: 2}}
	tr.Bytes = 10
	gen := tr.Generation

	got := tr.TakeSamples()
	if len(got) != 2 {
		t.Fatalf("took %d samples, want 2", len(got))
	}
	if len(tr.Samples) != 0 || tr.Bytes != 0 {
		t.Error("track not drained")
	}
	if tr.Generation != gen {
		t.Error("TakeSamples must not bump the generation")
	}
	if !tr.HasConfig() {
		t.Error("TakeSamples must keep codec config")
	}
}

func TestAudioTrackConfig(t *testing.T) {
	t.Parallel()

	tr := &AudioTrack{}
	if tr.HasConfig() {
		t.Error("empty track reports config")
	}
	tr.SampleRate = 44100
	tr.ChannelCount = 2
	tr.ObjectType = 2
	if !tr.HasConfig() {
		t.Error("configured track reports no config")
	}
	tr.Reset()
	if tr.HasConfig() {
		t.Error("config survived reset")
	}
}

func TestTrackSetReset(t *testing.T) {
	t.Parallel()

	s := NewTrackSet(ContainerMPEGTS)
	if s.Video.TimeScale != MPEGClockRate || s.Audio.TimeScale != MPEGClockRate {
		t.Fatal("track timescale not initialized to the MPEG clock")
	}
	vg, ag := s.Video.Generation, s.Audio.Generation
	s.Reset()
	if s.Video.Generation != vg+1 || s.Audio.Generation != ag+1 {
		t.Error("reset did not bump all generations")
	}
}

func TestTrackTypeString(t *testing.T) {
	t.Parallel()

	want := map[TrackType]string{
		TrackVideo:    "video",
		TrackAudio:    "audio",
		TrackMetadata: "metadata",
		TrackText:     "text",
	}
	for tt, s := range want {
		if tt.String() != s {
			t.Errorf("TrackType(%d).String() = %q, want %q", tt, tt.String(), s)
		}
	}
}
