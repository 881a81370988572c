package playlist

// MergeDetails aligns a freshly loaded live playlist with its predecessor:
// overlapping sequence numbers carry their continuity counter, accumulated
// start time, and discovered elementary streams into the new window so the
// timeline never restarts while the window slides.
func MergeDetails(prev, next *LevelDetails) {
	if prev == nil || next == nil || len(prev.Fragments) == 0 || len(next.Fragments) == 0 {
		return
	}
	lo := prev.StartSN
	if next.StartSN > lo {
		lo = next.StartSN
	}
	hi := prev.EndSN
	if next.EndSN < hi {
		hi = next.EndSN
	}
	if lo > hi {
		next.PTSKnown = false
		return
	}

	ref := prev.FragmentBySN(lo)
	cur := next.FragmentBySN(lo)
	if ccDelta := ref.CC - cur.CC; ccDelta != 0 {
		for _, f := range next.Fragments {
			f.CC += ccDelta
		}
		next.StartCC += ccDelta
		next.EndCC += ccDelta
	}
	if delta := ref.Start - cur.Start; delta != 0 {
		for _, f := range next.Fragments {
			f.Start += delta
		}
	}
	for sn := lo; sn <= hi; sn++ {
		if pf, nf := prev.FragmentBySN(sn), next.FragmentBySN(sn); pf != nil && nf != nil {
			nf.Elementary = pf.Elementary
		}
	}
	next.PTSKnown = prev.PTSKnown
}
