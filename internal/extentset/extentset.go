// Package extentset provides a minimal sorted-run interval set over a
// logical byte range. The journal coordinator uses it to track which parts
// of a journal event's extent are still unacknowledged by the object store.
//
// No third-party interval-set implementation turned up anywhere in the
// reference pack, so this is a deliberately small stdlib-only helper rather
// than an adaptation of an existing library (see DESIGN.md).
package extentset

import "sort"

// run is a half-open [Offset, Offset+Length) range.
type run struct {
	Offset int64
	Length int64
}

func (r run) end() int64 { return r.Offset + r.Length }

// Set is an ordered, non-overlapping collection of runs. The zero value is
// an empty set.
type Set struct {
	runs []run
}

// New returns a set covering a single extent. A zero-length extent yields an
// empty set, matching the flush event's empty extent set in spec.md.
func New(offset, length int64) *Set {
	s := &Set{}
	if length > 0 {
		s.runs = append(s.runs, run{offset, length})
	}
	return s
}

// Empty reports whether no bytes remain unacknowledged.
func (s *Set) Empty() bool {
	return s == nil || len(s.runs) == 0
}

// Subtract removes [offset, offset+length) from the set, splitting or
// trimming runs as necessary.
func (s *Set) Subtract(offset, length int64) {
	if s == nil || length <= 0 || len(s.runs) == 0 {
		return
	}
	end := offset + length

	out := s.runs[:0:0]
	for _, r := range s.runs {
		if r.end() <= offset || r.Offset >= end {
			out = append(out, r)
			continue
		}
		if r.Offset < offset {
			out = append(out, run{r.Offset, offset - r.Offset})
		}
		if r.end() > end {
			out = append(out, run{end, r.end() - end})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	s.runs = out
}
