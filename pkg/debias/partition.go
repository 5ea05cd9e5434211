package debias

import (
	"fmt"
	"sort"
)

// IndexSet is a sorted set of flattened patch indices.
type IndexSet []int

// IndexSetOf collects the indices i where bits[i] == want.
func IndexSetOf(bits []bool, want bool) IndexSet {
	s := make(IndexSet, 0, len(bits))
	for i, b := range bits {
		if b == want {
			s = append(s, i)
		}
	}
	return s
}

func (s IndexSet) Contains(i int) bool {
	k := sort.SearchInts(s, i)
	return k < len(s) && s[k] == i
}

// Partition splits a flattened patch into known pixels and masked pixels,
// and marks the masked pixels attributable to the star itself.
type Partition struct {
	Size       int
	Known      IndexSet
	StarMasked IndexSet
	PSFMasked  IndexSet
}

// NewPartition builds and validates a partition from the two mask vectors.
func NewPartition(starMasked, psfMasked []bool) (Partition, error) {
	if len(starMasked) != len(psfMasked) {
		return Partition{}, fmt.Errorf("%w: masks of length %d and %d", ErrDimensionMismatch, len(starMasked), len(psfMasked))
	}
	p := Partition{
		Size:       len(starMasked),
		Known:      IndexSetOf(starMasked, false),
		StarMasked: IndexSetOf(starMasked, true),
		PSFMasked:  IndexSetOf(psfMasked, true),
	}
	return p, p.Validate()
}

// Validate checks that Known and StarMasked cover the patch exactly and
// that PSFMasked is a subset of StarMasked.
func (p Partition) Validate() error {
	if len(p.Known)+len(p.StarMasked) != p.Size {
		return fmt.Errorf("partition covers %d of %d pixels", len(p.Known)+len(p.StarMasked), p.Size)
	}
	seen := make([]bool, p.Size)
	for _, set := range []IndexSet{p.Known, p.StarMasked} {
		for _, i := range set {
			if i < 0 || i >= p.Size {
				return fmt.Errorf("partition index %d outside patch of %d", i, p.Size)
			}
			if seen[i] {
				return fmt.Errorf("pixel %d is both known and masked", i)
			}
			seen[i] = true
		}
	}
	for _, i := range p.PSFMasked {
		if !p.StarMasked.Contains(i) {
			return fmt.Errorf("star pixel %d is not in the masked set", i)
		}
	}
	return nil
}

// psfRows returns the positions of the PSFMasked pixels within StarMasked.
func (p Partition) psfRows() []int {
	rows := make([]int, 0, len(p.PSFMasked))
	k := 0
	for pos, i := range p.StarMasked {
		if k < len(p.PSFMasked) && p.PSFMasked[k] == i {
			rows = append(rows, pos)
			k++
		}
	}
	return rows
}
