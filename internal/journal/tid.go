// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package journal

import "sync"

// tidSequence hands out monotonically increasing journal transaction ids,
// unique for one journal's lifetime. It plays the same role bs3's key
// package plays for object keys, scoped per-journal instead of process-wide
// (spec.md §9: "each volume context owns its own journal").
type tidSequence struct {
	mu  sync.Mutex
	tid int64
}

// next returns the next unassigned tid and advances the sequence.
func (s *tidSequence) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.tid
	s.tid++
	return tmp
}
