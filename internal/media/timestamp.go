package media

// MPEGClockRate is the MPEG-TS system clock rate in Hz. PES timestamps and
// all demuxer-emitted sample timestamps are expressed on this clock.
const MPEGClockRate = 90000

// PTSWrap is the modulus of the 33-bit PES timestamp field: raw values wrap
// to zero every 2^33 ticks (about 26.5 hours at 90 kHz).
const PTSWrap = int64(1) << 33

// PTSWrapHalf is the unwrap decision threshold. A raw value more than half
// the wrap range away from its reference is assumed to have wrapped.
const PTSWrapHalf = PTSWrap / 2

// NormalizePTS unwraps a raw 33-bit timestamp against a reference from the
// same track, returning the value shifted by whole multiples of PTSWrap so
// it lands within PTSWrapHalf of the reference. The result may exceed 33
// bits; all downstream arithmetic is plain int64.
func NormalizePTS(value, reference int64) int64 {
	offset := PTSWrap
	if reference < value {
		offset = -PTSWrap
	}
	for abs64(value-reference) > PTSWrapHalf {
		value += offset
	}
	return value
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ToSeconds converts a 90 kHz clock value to seconds.
func ToSeconds(v int64) float64 {
	return float64(v) / MPEGClockRate
}

// FromSeconds converts seconds to a 90 kHz clock value, truncating toward
// zero.
func FromSeconds(s float64) int64 {
	return int64(s * MPEGClockRate)
}

// InitPTS anchors one continuity group's output timeline: the 90 kHz value
// subtracted from every sample timestamp so the group's first fragment
// starts at its playlist position. Discovered once per continuity group by
// the remuxer that sees the group first and shared with companion pipelines.
type InitPTS struct {
	Base int64
}
