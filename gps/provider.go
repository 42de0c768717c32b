package gps

import (
	"context"

	"github.com/sirupsen/logrus"
)

// provider implements the narrow capability contract the engine drives:
// identify, get_preference, find_matches, is_satisfied_by, get_dependencies,
// plus the live-state hook. There is exactly one production implementation,
// so this is a concrete type rather than an interface - see DESIGN.md.
type provider struct {
	c *Context
	l *logrus.Logger

	startNodeID NodeId
	rootNodeID  NodeId
	rootNameID  NameId
	cutoff      int64

	// live is the resolver's current pinned mapping, refreshed by setState
	// immediately before every find_matches call. It is read-only for the
	// duration of that call.
	live map[NameId]Candidate
}

func newProvider(c *Context, l *logrus.Logger, startNodeID, rootNodeID NodeId, rootNameID NameId, cutoff int64) *provider {
	return &provider{
		c:           c,
		l:           l,
		startNodeID: startNodeID,
		rootNodeID:  rootNodeID,
		rootNameID:  rootNameID,
		cutoff:      cutoff,
	}
}

// setState is the state hook: the engine calls it with an immutable
// snapshot of the live pinned mapping right before find_matches. It's a
// one-way notification; ignoring it would not change correctness, only
// the live interpreter-mask filter's precision.
func (p *provider) setState(mapping map[NameId]Candidate) {
	p.live = mapping
}

func (p *provider) identifyRequirement(r Requirement) NameId { return r.NameID }
func (p *provider) identifyCandidate(c Candidate) NameId     { return c.NameID }

// liveAllowedMask is the bitwise AND of node_py_mask over every currently
// pinned candidate. An empty mapping allows everything.
func (p *provider) liveAllowedMask() uint32 {
	mask := AllInterpretersMask
	for _, cand := range p.live {
		mask &= p.c.nodePyMaskOf(cand.NodeID)
	}
	return mask
}

// preferenceKey orders identifiers for selection: identifiers named in
// backtrackCauses sort first, then by ascending candidate count, then by
// NameId. The engine picks the identifier with the smallest key.
type preferenceKey struct {
	isBacktrackCause bool
	candidateCount   int
	name             NameId
}

func lessPreference(a, b preferenceKey) bool {
	if a.isBacktrackCause != b.isBacktrackCause {
		return a.isBacktrackCause
	}
	if a.candidateCount != b.candidateCount {
		return a.candidateCount < b.candidateCount
	}
	return a.name < b.name
}

func (p *provider) getPreference(ctx context.Context, name NameId, crit *criterion, backtrackCauses map[NameId]struct{}) (preferenceKey, error) {
	_, isCause := backtrackCauses[name]

	count, err := p.countCandidates(ctx, name, crit)
	if err != nil {
		return preferenceKey{}, err
	}

	return preferenceKey{isBacktrackCause: isCause, candidateCount: count, name: name}, nil
}

func (p *provider) countCandidates(ctx context.Context, name NameId, crit *criterion) (int, error) {
	cands, err := p.findMatches(ctx, name, crit)
	if err != nil {
		return 0, err
	}
	return len(cands), nil
}

// findMatches returns the admissible candidates for name, newest-first,
// already filtered by cutoff, live interpreter mask, and incompatibilities.
// See spec §4.2.1 for the three Universe cases.
func (p *provider) findMatches(ctx context.Context, name NameId, crit *criterion) ([]Candidate, error) {
	allowedMask := p.liveAllowedMask()

	var universe []NodeId

	switch {
	case p.hasRootOfResolutionRequirement(crit):
		if t, ok := p.c.nodeTimeOf(p.startNodeID); ok && t <= p.cutoff {
			universe = []NodeId{p.startNodeID}
		}

	case name == p.rootNameID:
		if t, ok := p.c.nodeTimeOf(p.rootNodeID); ok && t <= p.cutoff {
			universe = []NodeId{p.rootNodeID}
		}

	default:
		u, err := p.intersectParentCandidates(ctx, name, crit)
		if err != nil {
			return nil, err
		}
		universe = u
	}

	out := make([]Candidate, 0, len(universe))
	for _, n := range universe {
		if crit.isExcluded(n) {
			continue
		}
		mask := p.c.nodePyMaskOf(n)
		if allowedMask&mask == 0 {
			continue
		}
		out = append(out, Candidate{NodeID: n, NameID: name})
	}
	return out, nil
}

func (p *provider) hasRootOfResolutionRequirement(crit *criterion) bool {
	for _, inf := range crit.info {
		if inf.requirement.IsRoot() {
			return true
		}
	}
	return false
}

// intersectParentCandidates computes the intersection, in descending time
// order, of candidates_newest_first across every distinct parent that
// demands name. It streams the smallest parent sequence and filters
// against membership sets built from the others, per spec §4.2.1.
func (p *provider) intersectParentCandidates(ctx context.Context, name NameId, crit *criterion) ([]NodeId, error) {
	parents := crit.parents()
	if len(parents) == 0 {
		return nil, nil
	}

	sequences := make([][]NodeId, len(parents))
	for i, parent := range parents {
		seq, err := p.c.candidatesNewestFirst(ctx, parent.NodeID, name, p.cutoff, p.rootNameID, p.rootNodeID)
		if err != nil {
			return nil, err
		}
		sequences[i] = seq
	}

	if len(sequences) == 1 {
		return sequences[0], nil
	}

	smallest := 0
	for i, seq := range sequences {
		if len(seq) < len(sequences[smallest]) {
			smallest = i
		}
	}

	members := make([]map[NodeId]struct{}, len(sequences))
	for i, seq := range sequences {
		if i == smallest {
			continue
		}
		m := make(map[NodeId]struct{}, len(seq))
		for _, n := range seq {
			m[n] = struct{}{}
		}
		members[i] = m
	}

	var out []NodeId
	for _, n := range sequences[smallest] {
		inAll := true
		for i, m := range members {
			if i == smallest {
				continue
			}
			if _, ok := m[n]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, n)
		}
	}
	return out, nil
}

// isSatisfiedBy checks name match, time validity, and then exactly one of:
// the synthetic root-of-resolution identity, root pinning, or the parent's
// edge. Root pinning short-circuits the edge check entirely: the pinned
// root version is externally chosen, so a parent's precomputed edges need
// not admit it - demanding the root's name is satisfied by the root node
// and nothing else.
func (p *provider) isSatisfiedBy(ctx context.Context, r Requirement, cand Candidate) (bool, error) {
	if r.NameID != cand.NameID {
		return false, nil
	}
	t, ok := p.c.nodeTimeOf(cand.NodeID)
	if !ok || t > p.cutoff {
		return false, nil
	}
	if r.Parent == nil {
		return cand.NodeID == p.startNodeID, nil
	}
	if r.NameID == p.rootNameID {
		return cand.NodeID == p.rootNodeID, nil
	}
	return p.c.edgeExistsUpTo(ctx, r.Parent.NodeID, r.NameID, cand.NodeID, p.cutoff)
}

// getDependencies emits one Requirement per direct dependency of cand, in
// adj_deps insertion order.
func (p *provider) getDependencies(cand Candidate) []Requirement {
	names := p.c.depNames(cand.NodeID)
	out := make([]Requirement, len(names))
	parent := cand
	for i, n := range names {
		out[i] = Requirement{NameID: n, Parent: &parent}
	}
	return out
}
