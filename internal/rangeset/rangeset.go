// Package rangeset implements a monotonically ordered list of disjoint
// closed byte intervals [first,last], used for dirty-region and exposed-range
// tracking throughout the capture core.
package rangeset

import "sort"

// Range is a closed interval [First,Last]. Both ends are inclusive.
type Range struct {
	First uint64
	Last  uint64
}

// Empty reports whether r covers no bytes at all (the zero value).
func (r Range) Empty() bool {
	return r.First == 0 && r.Last == 0
}

// Set is a sorted list of disjoint, non-touching intervals.
// Neighbors are touching when a.Last+1 >= b.First; such neighbors are always
// merged by Add, so the zero value is a valid empty set.
type Set struct {
	ranges []Range
}

// New returns an empty range set.
func New() *Set {
	return &Set{}
}

// Add inserts [start,end], merging with any touching or overlapping interval.
func (s *Set) Add(start, end uint64) {
	if start > end {
		start, end = end, start
	}
	r := Range{First: start, Last: end}

	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last+1 >= r.First
	})

	j := i
	for j < len(s.ranges) && s.ranges[j].First <= r.Last+1 {
		if s.ranges[j].First < r.First {
			r.First = s.ranges[j].First
		}
		if s.ranges[j].Last > r.Last {
			r.Last = s.ranges[j].Last
		}
		j++
	}

	merged := make([]Range, 0, len(s.ranges)-(j-i)+1)
	merged = append(merged, s.ranges[:i]...)
	merged = append(merged, r)
	merged = append(merged, s.ranges[j:]...)
	s.ranges = merged
}

// fetch is shared by Fetch; see Fetch for semantics.
func (s *Set) fetch(start, end uint64, keep bool) Range {
	if start > end {
		start, end = end, start
	}

	var result Range
	found := false

	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Last >= start
	})

	// Collect the covering span across every intersected interval, and,
	// when keep is false, build the replacement list with those regions
	// removed (splitting intervals the query only partially covers).
	var kept []Range
	kept = append(kept, s.ranges[:i]...)

	j := i
	for j < len(s.ranges) && s.ranges[j].First <= end {
		r := s.ranges[j]
		lo := r.First
		if lo < start {
			lo = start
		}
		hi := r.Last
		if hi > end {
			hi = end
		}
		if !found {
			result = Range{First: lo, Last: hi}
			found = true
		} else {
			if lo < result.First {
				result.First = lo
			}
			if hi > result.Last {
				result.Last = hi
			}
		}

		if !keep {
			if r.First < start {
				kept = append(kept, Range{First: r.First, Last: start - 1})
			}
			if r.Last > end {
				kept = append(kept, Range{First: end + 1, Last: r.Last})
			}
		} else {
			kept = append(kept, r)
		}
		j++
	}
	kept = append(kept, s.ranges[j:]...)

	if !keep {
		s.ranges = kept
	}

	if !found {
		return Range{}
	}
	return result
}

// Fetch returns the minimal interval [a,b] inside [start,end] that covers
// every element the set intersects within that query window.
// If keep is false, the queried region is subtracted from the set,
// splitting intervals when the query is fully enclosed.
// Returns the zero Range when no intersection exists.
func (s *Set) Fetch(start, end uint64, keep bool) Range {
	return s.fetch(start, end, keep)
}

// Overlap is the cheapest possible overlap test: O(1) using the set's front
// and back elements, shifted by offset.
func (s *Set) Overlap(other *Set, offset int64) bool {
	if len(s.ranges) == 0 || len(other.ranges) == 0 {
		return false
	}
	a := s.ranges[0]
	b := s.ranges[len(s.ranges)-1]
	oa := shift(other.ranges[0], offset)
	ob := shift(other.ranges[len(other.ranges)-1], offset)
	return a.First <= ob.Last && oa.First <= b.Last
}

func shift(r Range, offset int64) Range {
	return Range{First: uint64(int64(r.First) + offset), Last: uint64(int64(r.Last) + offset)}
}

// Span returns the interval from the first byte of the first range to the
// last byte of the last range, or the zero Range if the set is empty.
func (s *Set) Span() Range {
	if len(s.ranges) == 0 {
		return Range{}
	}
	return Range{First: s.ranges[0].First, Last: s.ranges[len(s.ranges)-1].Last}
}

// Bytes returns the total number of bytes covered by all intervals.
func (s *Set) Bytes() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.Last - r.First + 1
	}
	return total
}

// Size returns the number of disjoint intervals currently in the set.
func (s *Set) Size() int {
	return len(s.ranges)
}

// Clear empties the set.
func (s *Set) Clear() {
	s.ranges = nil
}

// Ranges returns a copy of the set's intervals in ascending order.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// SelfTest asserts monotonicity, First<=Last for every interval, and that
// adjacent intervals never touch. It panics on violation, matching the
// abort-on-invariant-violation discipline used across the capture core.
func (s *Set) SelfTest() {
	for i, r := range s.ranges {
		if r.First > r.Last {
			panic("rangeset: invalid interval, first > last")
		}
		if i > 0 && s.ranges[i-1].Last+1 >= r.First {
			panic("rangeset: adjacent intervals touch or overlap")
		}
	}
}
