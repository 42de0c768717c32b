package gps

// information records one demand on a NameId: the requirement itself, and
// the candidate (if any) whose dependency edge raised it. Root requirements
// carry a nil parent.
type information struct {
	requirement Requirement
	parent      *Candidate
}

// criterion is the accumulated state for one NameId during a resolution:
// every requirement that currently demands it, plus every candidate whose
// pin for it was discarded by a backjump. It mirrors resolvelib's
// Criterion.
//
// A criterion is immutable once built; the engine produces a new one (via
// withInformation / withIncompatibility) rather than mutating in place, so
// that States can share criteria structurally.
type criterion struct {
	info []information

	// incompatibilities holds candidates whose pins for this name were
	// discarded by a backjump in the current branch of the search; backjump
	// carries them onto the retry frame. Candidates abandoned during a pin
	// attempt are not recorded. It is keyed by NodeId so find_matches can
	// drop them without re-deriving the conflict.
	incompatibilities map[NodeId]struct{}
}

func newCriterion(info information) *criterion {
	return &criterion{
		info:              []information{info},
		incompatibilities: make(map[NodeId]struct{}),
	}
}

// emptyCriterion returns a criterion with no recorded information, used
// when backjumping needs to carry forward an incompatibility for a name
// that has no surviving demand in the target frame.
func emptyCriterion() *criterion {
	return &criterion{incompatibilities: make(map[NodeId]struct{})}
}

// withInformation returns a new criterion with info appended, sharing the
// existing incompatibility set.
func (c *criterion) withInformation(info information) *criterion {
	next := make([]information, len(c.info), len(c.info)+1)
	copy(next, c.info)
	next = append(next, info)
	return &criterion{info: next, incompatibilities: c.incompatibilities}
}

// withIncompatibility returns a new criterion recording id as incompatible,
// sharing the existing information slice.
func (c *criterion) withIncompatibility(id NodeId) *criterion {
	next := make(map[NodeId]struct{}, len(c.incompatibilities)+1)
	for k := range c.incompatibilities {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	return &criterion{info: c.info, incompatibilities: next}
}

// isExcluded reports whether id is recorded as incompatible for this name.
func (c *criterion) isExcluded(id NodeId) bool {
	_, excluded := c.incompatibilities[id]
	return excluded
}

// parents returns the distinct candidates whose dependency edges raised a
// requirement in this criterion, used to collect backtrack causes for
// get_preference's weighting and by find_matches' parent intersection.
func (c *criterion) parents() []Candidate {
	var out []Candidate
	seen := make(map[NodeId]struct{})
	for _, inf := range c.info {
		if inf.parent == nil {
			continue
		}
		if _, ok := seen[inf.parent.NodeID]; ok {
			continue
		}
		seen[inf.parent.NodeID] = struct{}{}
		out = append(out, *inf.parent)
	}
	return out
}
