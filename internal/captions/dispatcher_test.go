package captions

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/test/tools/tsutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type triplet struct {
	ccType byte // 0/1: 608 field 1/2, 2: DTVCC continuation, 3: DTVCC start
	d1, d2 byte
}

// addParity sets the high bit for odd parity as CEA-608 requires on the wire.
func addParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// captionSEI builds an A/53 GA94 cc_data SEI NAL carrying the triplets.
func captionSEI(triplets ...triplet) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03}
	payload = append(payload, 0x40|byte(len(triplets))&0x1F, 0xFF)
	for _, tr := range triplets {
		payload = append(payload, 0xFC|tr.ccType&0x03, addParity(tr.d1), addParity(tr.d2))
	}
	payload = append(payload, 0xFF)
	return tsutil.SEI(4, payload)
}

func TestDedup608DoubledControlPair(t *testing.T) {
	t.Parallel()
	var d dedup608

	// First transmission passes, the doubled copy is suppressed, and a
	// genuine third occurrence passes again.
	assert.False(t, d.repeated(0, 0x14, 0x2C, 1))
	assert.True(t, d.repeated(0, 0x14, 0x2C, 2))
	assert.False(t, d.repeated(0, 0x14, 0x2C, 3))
}

func TestDedup608FarApartRepeats(t *testing.T) {
	t.Parallel()
	var d dedup608

	assert.False(t, d.repeated(0, 0x14, 0x2C, 1))
	// Ten access units later this is a new command, not the double.
	assert.False(t, d.repeated(0, 0x14, 0x2C, 11))
}

func TestDedup608TextClearsControlState(t *testing.T) {
	t.Parallel()
	var d dedup608

	assert.False(t, d.repeated(0, 0x14, 0x2C, 1))
	assert.False(t, d.repeated(0, 0x48, 0x49, 1)) // printable pair
	assert.False(t, d.repeated(0, 0x14, 0x2C, 2)) // no longer a double
}

func TestDedup608FieldsIndependent(t *testing.T) {
	t.Parallel()
	var d dedup608

	assert.False(t, d.repeated(0, 0x14, 0x2C, 1))
	assert.False(t, d.repeated(1, 0x14, 0x2C, 1))
	assert.True(t, d.repeated(1, 0x14, 0x2C, 2))

	// Fields outside 0/1 are never deduped.
	assert.False(t, d.repeated(5, 0x14, 0x2C, 1))
	assert.False(t, d.repeated(5, 0x14, 0x2C, 1))
}

func TestDispatcherRecognizesA53(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{}, testLogger())

	d.Process([]media.MetaSample{{PTS: 90000, Data: captionSEI(triplet{0, 0x14, 0x2C})}})
	assert.Equal(t, int64(1), d.auCount)

	// A non-caption SEI payload type is ignored.
	d.Process([]media.MetaSample{{PTS: 90000, Data: tsutil.SEI(5, []byte{1, 2, 3})}})
	assert.Equal(t, int64(1), d.auCount)

	// Garbage does not advance the stream either.
	d.Process([]media.MetaSample{{PTS: 90000, Data: []byte{0x06, 0xFF}}})
	assert.Equal(t, int64(1), d.auCount)
}

func TestDispatcherDTVCCPacketBoundaries(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{}, testLogger())

	// Packet header 0x02 declares a 4-byte packet: the start tuple plus one
	// continuation fill it without completing (drain waits for the next
	// packet start).
	d.Process([]media.MetaSample{{Data: captionSEI(
		triplet{3, 0x02, 0x21},
		triplet{2, 0x00, 0x00},
	)}})
	assert.Len(t, d.dtvcc, 4)

	// The next packet start drains the completed packet and restarts
	// accumulation.
	d.Process([]media.MetaSample{{Data: captionSEI(triplet{3, 0x02, 0x21})}})
	assert.Len(t, d.dtvcc, 2)

	// Flushing an incomplete packet keeps it pending.
	d.Flush(0)
	assert.Len(t, d.dtvcc, 2)
}

func TestDispatcherOverflowDrops(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{Buffer: 2}, testLogger())

	for i := 0; i < 5; i++ {
		d.emit(ChannelOutput{Kind: KindCEA608, Channel: 1, Text: "x", PTS: int64(i)})
	}
	assert.Equal(t, int64(3), d.Dropped())

	d.Close()
	var got []ChannelOutput
	for out := range d.Output() {
		got = append(got, out)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].PTS)
	assert.Equal(t, int64(1), got[1].PTS)
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "cea608", KindCEA608.String())
	assert.Equal(t, "cea708", KindCEA708.String())
}
