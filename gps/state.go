package gps

// state is one frame of the engine's backtracking stack. Each round either
// pushes a new frame holding a fresh pin or, on conflict, backjumps and
// pushes a retry frame forked from an earlier one. Pushing copies the
// two maps shallowly - new criteria/pins are written into fresh maps that
// start from the parent frame's entries, so older frames on the stack are
// never mutated and remain valid backjump targets.
type state struct {
	// mapping holds every name that currently has a pinned candidate.
	mapping map[NameId]Candidate

	// criteria holds the accumulated criterion for every name that has been
	// demanded at all, pinned or not.
	criteria map[NameId]*criterion

	// pinnedOrder records pin insertion order; backjump reads its last
	// entry to find the most recent pin.
	pinnedOrder []NameId
}

func newState() *state {
	return &state{
		mapping:  make(map[NameId]Candidate),
		criteria: make(map[NameId]*criterion),
	}
}

// fork returns a new state that shares criteria/mapping entries with s but
// can be extended independently - used when the engine tries a candidate
// and needs to be able to fall back to s unmodified on conflict.
func (s *state) fork() *state {
	next := &state{
		mapping:     make(map[NameId]Candidate, len(s.mapping)+1),
		criteria:    make(map[NameId]*criterion, len(s.criteria)+1),
		pinnedOrder: append([]NameId(nil), s.pinnedOrder...),
	}
	for k, v := range s.mapping {
		next.mapping[k] = v
	}
	for k, v := range s.criteria {
		next.criteria[k] = v
	}
	return next
}

func (s *state) pin(name NameId, cand Candidate) {
	if _, already := s.mapping[name]; !already {
		s.pinnedOrder = append(s.pinnedOrder, name)
	}
	s.mapping[name] = cand
}
