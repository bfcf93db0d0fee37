package crdt

// StateVector maps site id to the highest clock integrated from that site.
// Two replicas exchange state vectors to compute the minimal diff either one
// is missing. A missing site reads as zero.
type StateVector map[uint64]uint64

// Covers reports whether sv has seen at least everything in other.
func (sv StateVector) Covers(other StateVector) bool {
	for site, clock := range other {
		if sv[site] < clock {
			return false
		}
	}
	return true
}

// Merge folds other into sv, keeping the higher clock per site.
func (sv StateVector) Merge(other StateVector) {
	for site, clock := range other {
		if sv[site] < clock {
			sv[site] = clock
		}
	}
}
