package playlist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterFixture = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en/prog.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",LANGUAGE="en",DEFAULT=NO,AUTOSELECT=YES,URI="subs/en/prog.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.42C01E,mp4a.40.2",RESOLUTION=640x360,AUDIO="aud",SUBTITLES="subs"
low/prog.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,CODECS="avc1.64001F,mp4a.40.2",RESOLUTION=1280x720,FRAME-RATE=29.970,AUDIO="aud",SUBTITLES="subs"
mid/prog.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.42C01E,mp4a.40.2",RESOLUTION=640x360,AUDIO="aud"
backup/low/prog.m3u8
`

func TestParseManifestMaster(t *testing.T) {
	t.Parallel()

	man, err := ParseManifest(strings.NewReader(masterFixture), "https://cdn.example.com/hls/master.m3u8")
	require.NoError(t, err)
	require.Len(t, man.Levels, 3)

	low := man.Levels[0]
	assert.Equal(t, 800000, low.Bitrate)
	assert.Equal(t, "avc1.42C01E,mp4a.40.2", low.Codecs)
	assert.Equal(t, 640, low.Width)
	assert.Equal(t, 360, low.Height)
	assert.Equal(t, "aud", low.AudioGroup)
	assert.Equal(t, "https://cdn.example.com/hls/low/prog.m3u8", low.URL())

	mid := man.Levels[1]
	assert.Equal(t, 2500000, mid.Bitrate)
	assert.InDelta(t, 29.97, mid.FrameRate, 0.001)

	require.Len(t, man.Audio, 1, "alternates must be deduplicated across variants")
	aud := man.Audio[0]
	assert.Equal(t, "aud", aud.GroupID)
	assert.Equal(t, "English", aud.Name)
	assert.Equal(t, "en", aud.Language)
	assert.True(t, aud.Default)
	assert.Equal(t, "https://cdn.example.com/hls/audio/en/prog.m3u8", aud.URL)

	require.Len(t, man.Subtitles, 1)
	assert.Equal(t, "SUBTITLES", man.Subtitles[0].Type)
}

const mediaFixture = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-DISCONTINUITY-SEQUENCE:3
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.000,first
seg100.ts
#EXTINF:6.000,
seg101.ts
#EXT-X-DISCONTINUITY
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x000102030405060708090A0B0C0D0E0F
#EXTINF:5.500,
seg102.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:6.000,
seg103.ts
#EXT-X-ENDLIST
`

func TestParseMediaDetails(t *testing.T) {
	t.Parallel()

	d, err := ParseMedia(strings.NewReader(mediaFixture), "https://cdn.example.com/hls/mid/prog.m3u8", 2)
	require.NoError(t, err)
	require.Len(t, d.Fragments, 4)

	assert.EqualValues(t, 100, d.StartSN)
	assert.EqualValues(t, 103, d.EndSN)
	assert.Equal(t, 3, d.StartCC)
	assert.Equal(t, 4, d.EndCC)
	assert.False(t, d.Live)
	assert.InDelta(t, 6, d.TargetDuration, 0.001)
	require.NotNil(t, d.Map)
	assert.Equal(t, "https://cdn.example.com/hls/mid/init.mp4", d.Map.URL)

	f0 := d.Fragments[0]
	assert.EqualValues(t, 100, f0.SN)
	assert.Equal(t, 3, f0.CC)
	assert.Equal(t, 2, f0.Level)
	assert.Equal(t, "first", f0.Title)
	assert.Equal(t, 0.0, f0.Start)
	assert.Equal(t, "https://cdn.example.com/hls/mid/seg100.ts", f0.URL)
	assert.Nil(t, f0.Key)
	require.NotNil(t, f0.InitMap)

	f2 := d.Fragments[2]
	assert.Equal(t, 4, f2.CC, "discontinuity must bump the continuity counter")
	assert.Equal(t, 12.0, f2.Start)
	require.NotNil(t, f2.Key)
	assert.Equal(t, "AES-128", f2.Key.Method)
	assert.Equal(t, "https://cdn.example.com/hls/mid/key.bin", f2.Key.URL)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, f2.Key.IV)

	f3 := d.Fragments[3]
	assert.Nil(t, f3.Key, "METHOD=NONE must clear the key")
	assert.Equal(t, 17.5, f3.Start)

	assert.InDelta(t, 23.5, d.TotalDuration(), 0.001)
	assert.InDelta(t, 23.5, d.Edge(), 0.001)
}

const byterangeFixture = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
#EXT-X-BYTERANGE:1000@0
media.mp4
#EXTINF:4.0,
#EXT-X-BYTERANGE:2000
media.mp4
#EXTINF:4.0,
#EXT-X-BYTERANGE:500@5000
media.mp4
#EXT-X-ENDLIST
`

func TestParseMediaByteRanges(t *testing.T) {
	t.Parallel()

	d, err := ParseMedia(strings.NewReader(byterangeFixture), "https://cdn.example.com/v/prog.m3u8", 0)
	require.NoError(t, err)
	require.Len(t, d.Fragments, 3)

	require.NotNil(t, d.Fragments[0].ByteRange)
	assert.EqualValues(t, 1000, d.Fragments[0].ByteRange.Length)
	assert.EqualValues(t, 0, d.Fragments[0].ByteRange.Offset)

	require.NotNil(t, d.Fragments[1].ByteRange)
	assert.EqualValues(t, 1000, d.Fragments[1].ByteRange.Offset,
		"a range without an offset continues the previous range")

	require.NotNil(t, d.Fragments[2].ByteRange)
	assert.EqualValues(t, 5000, d.Fragments[2].ByteRange.Offset)
}

func TestParseManifestMediaOnly(t *testing.T) {
	t.Parallel()

	live := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:42
#EXTINF:6.000,
seg42.ts
#EXTINF:6.000,
seg43.ts
`
	man, err := ParseManifest(strings.NewReader(live), "https://cdn.example.com/live/prog.m3u8")
	require.NoError(t, err)
	require.Len(t, man.Levels, 1)
	require.NotNil(t, man.Levels[0].Details)
	assert.True(t, man.Levels[0].Details.Live, "no ENDLIST means live")
	assert.EqualValues(t, 42, man.Levels[0].Details.StartSN)
	assert.Equal(t, "https://cdn.example.com/live/prog.m3u8", man.Levels[0].URL())
}

func TestParseMediaRejectsMaster(t *testing.T) {
	t.Parallel()

	_, err := ParseMedia(strings.NewReader(masterFixture), "https://cdn.example.com/master.m3u8", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media playlist")
}

func TestParseGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseManifest(strings.NewReader("not a playlist"), "https://x.example.com/a.m3u8")
	assert.Error(t, err)
}

func TestKeyIVForSN(t *testing.T) {
	t.Parallel()

	explicit := &Key{IV: []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}}
	assert.Equal(t, explicit.IV, explicit.IVForSN(7))

	derived := &Key{}
	iv := derived.IVForSN(258)
	require.Len(t, iv, 16)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}, iv)
}

func TestFragmentAt(t *testing.T) {
	t.Parallel()

	d := &LevelDetails{Fragments: []*Fragment{
		{SN: 0, Start: 0, Duration: 6},
		{SN: 1, Start: 6, Duration: 6},
	}, StartSN: 0, EndSN: 1}

	require.NotNil(t, d.FragmentAt(0, 0.25))
	assert.EqualValues(t, 0, d.FragmentAt(0, 0.25).SN)
	assert.EqualValues(t, 1, d.FragmentAt(5.9, 0.25).SN,
		"position within tolerance of a fragment end selects the next fragment")
	assert.Nil(t, d.FragmentAt(12, 0.25))

	assert.Nil(t, d.FragmentBySN(2))
	assert.NotNil(t, d.FragmentBySN(1))
}

func TestLevelCodecSplit(t *testing.T) {
	t.Parallel()

	av := &Level{Codecs: "avc1.64001F,mp4a.40.2"}
	assert.Equal(t, "avc1.64001F", av.VideoCodec())
	assert.Equal(t, "mp4a.40.2", av.AudioCodec())

	audioOnly := &Level{Codecs: "mp4a.40.2"}
	assert.Equal(t, "", audioOnly.VideoCodec())
	assert.Equal(t, "mp4a.40.2", audioOnly.AudioCodec())
}
