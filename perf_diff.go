package fxmonitor

// RevertCumulativeBuckets turns cumulative bucket values into per-bucket counts.
// Monotonicity is not checked.
func RevertCumulativeBuckets(cumulative []float64) []float64 {
	out := make([]float64, len(cumulative))
	for i, v := range cumulative {
		if i == 0 {
			out[i] = v
			continue
		}
		out[i] = v - cumulative[i-1]
	}
	return out
}

// DiffPerfs subtracts older from newer field by field. A nil older is treated
// as all zeros, so the first observation is its own diff. Callers must check
// DidPerfReset first: a decreasing count would wrap.
func DiffPerfs(newer, older ThreadPerfs) ThreadPerfs {
	out := make(ThreadPerfs, len(newer))
	for name, n := range newer {
		base, ok := older[name]
		if !ok {
			base = ThreadCounters{Buckets: make([]float64, len(n.Buckets))}
		}
		buckets := make([]float64, len(n.Buckets))
		for i, v := range n.Buckets {
			if i < len(base.Buckets) {
				v -= base.Buckets[i]
			}
			buckets[i] = v
		}
		out[name] = ThreadCounters{
			Count:   n.Count - base.Count,
			Sum:     n.Sum - base.Sum,
			Buckets: buckets,
		}
	}
	return out
}

// DidPerfReset reports whether any thread's count or sum went backwards, which
// means the child restarted (or a counter wrapped) between the two polls.
func DidPerfReset(newer, older ThreadPerfs) bool {
	for name, o := range older {
		n, ok := newer[name]
		if !ok {
			continue
		}
		if o.Count > n.Count || o.Sum > n.Sum {
			return true
		}
	}
	return false
}

// PerfFrequencies converts interval counters (cumulative buckets) into the
// share of the interval's ticks that landed in each bucket.
func PerfFrequencies(interval ThreadPerfs) ThreadPerfs {
	out := make(ThreadPerfs, len(interval))
	for name, tc := range interval {
		freqs := RevertCumulativeBuckets(tc.Buckets)
		for i := range freqs {
			if tc.Count == 0 {
				freqs[i] = 0
				continue
			}
			freqs[i] /= float64(tc.Count)
		}
		out[name] = ThreadCounters{Count: tc.Count, Sum: tc.Sum, Buckets: freqs}
	}
	return out
}
