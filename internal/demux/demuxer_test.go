package demux

import (
	"testing"

	"github.com/zsiec/refract/test/tools/tsutil"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	ts := fullProgramStream()
	adts := append(tsutil.ID3Timestamp(90000),
		tsutil.ADTSFrame(rate44100Index, 2, audioPayload(0x11, 16))...)
	adts = append(adts, tsutil.ADTSFrame(rate44100Index, 2, audioPayload(0x22, 16))...)

	if d, ok := Detect(ts, testLogger()); !ok {
		t.Fatal("transport stream not detected")
	} else if _, isTS := d.(*TransportStream); !isTS {
		t.Fatalf("detected %T, want *TransportStream", d)
	}

	if d, ok := Detect(adts, testLogger()); !ok {
		t.Fatal("ADTS not detected")
	} else if _, isADTS := d.(*ADTS); !isADTS {
		t.Fatalf("detected %T, want *ADTS", d)
	}

	if _, ok := Detect([]byte{0xDE, 0xAD, 0xBE, 0xEF}, testLogger()); ok {
		t.Error("garbage detected as a known container")
	}
	if _, ok := Detect(nil, testLogger()); ok {
		t.Error("empty input detected as a known container")
	}
}
