package distribution

import (
	"math/rand"

	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// MapLayout assigns numDFiles dfile indices to entries of the candidate
// server list according to layout, returning the chosen index into
// candidates for each dfile (spec.md §3 Layout, §4.1 map_servers).
//
// rng must already be seeded by the caller (the config cache seeds it from
// time + pid + hostname to avoid fleet-wide collisions, spec.md §4.1); this
// function never seeds its own source so tests can make it deterministic.
func MapLayout(layout pvfs.Layout, numDFiles int, candidates int, explicit []int, rng *rand.Rand) ([]int, error) {
	if numDFiles <= 0 {
		return nil, nil
	}
	if candidates <= 0 {
		return nil, errNoCandidates
	}

	switch layout {
	case pvfs.LayoutList:
		if len(explicit) < numDFiles {
			return nil, errListTooShort
		}
		out := make([]int, numDFiles)
		copy(out, explicit[:numDFiles])
		return out, nil

	case pvfs.LayoutRandom:
		return mapRandom(numDFiles, candidates, rng)

	case pvfs.LayoutRoundRobin, pvfs.LayoutNone:
		return mapRoundRobin(numDFiles, candidates, rng)

	default:
		return mapRoundRobin(numDFiles, candidates, rng)
	}
}

func mapRoundRobin(numDFiles, candidates int, rng *rand.Rand) ([]int, error) {
	start := 0
	if rng != nil {
		start = rng.Intn(candidates)
	}
	out := make([]int, numDFiles)
	for i := 0; i < numDFiles; i++ {
		out[i] = (start + i) % candidates
	}
	return out, nil
}

// mapRandom independently hashes each dfile index to a candidate, retrying
// on collision up to six times; after that it falls back to linear probing
// from the colliding slot to guarantee termination (spec.md §4.1).
func mapRandom(numDFiles, candidates int, rng *rand.Rand) ([]int, error) {
	if numDFiles > candidates {
		return nil, errTooFewCandidates
	}
	used := make(map[int]bool, numDFiles)
	out := make([]int, numDFiles)

	for i := 0; i < numDFiles; i++ {
		idx := rng.Intn(candidates)
		for attempt := 0; attempt < 6 && used[idx]; attempt++ {
			idx = rng.Intn(candidates)
		}
		if used[idx] {
			// Six random retries exhausted; linear-probe from here to
			// guarantee termination.
			probe := idx
			for used[probe] {
				probe = (probe + 1) % candidates
			}
			idx = probe
		}
		used[idx] = true
		out[i] = idx
	}
	return out, nil
}

type layoutError string

func (e layoutError) Error() string { return string(e) }

const (
	errNoCandidates     layoutError = "distribution: no candidate servers available"
	errListTooShort     layoutError = "distribution: explicit server list shorter than requested dfile count"
	errTooFewCandidates layoutError = "distribution: fewer candidate servers than requested dfiles for RANDOM layout"
)
