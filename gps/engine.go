package gps

import (
	"context"

	"github.com/sirupsen/logrus"
)

// engine drives the backtracking search described in spec §4.3. It owns a
// stack of states and a single provider; Resolve runs it to completion (or
// failure) for one (start, root, cutoff) tuple.
type engine struct {
	p         *provider
	l         *logrus.Logger
	maxRounds int

	stack []*state

	// backtrackCauses accumulates, across the whole run, every identifier
	// that was ever the target of a failed pin attempt, plus the names of
	// the parents whose demands could not be jointly met. get_preference
	// consults it to retry conflict-adjacent identifiers first.
	backtrackCauses map[NameId]struct{}
}

func newEngine(p *provider, l *logrus.Logger, maxRounds int) *engine {
	return &engine{
		p:               p,
		l:               l,
		maxRounds:       maxRounds,
		stack:           []*state{newState()},
		backtrackCauses: make(map[NameId]struct{}),
	}
}

func (e *engine) top() *state {
	return e.stack[len(e.stack)-1]
}

// seedRoot injects the synthetic root requirement for startNameID, per
// spec §4.4 step 2.
func (e *engine) seedRoot(startNameID NameId) {
	req := Requirement{NameID: startNameID, Parent: nil}
	s := e.top()
	if c, ok := s.criteria[startNameID]; ok {
		s.criteria[startNameID] = c.withInformation(information{requirement: req})
	} else {
		s.criteria[startNameID] = newCriterion(information{requirement: req})
	}
}

// run executes the round loop until every identifier is pinned or the
// search fails. It returns the final state's mapping on success.
func (e *engine) run(ctx context.Context) (map[NameId]Candidate, error) {
	for round := 0; ; round++ {
		if round >= e.maxRounds {
			return nil, &RoundLimitExceededError{Rounds: e.maxRounds}
		}

		s := e.top()
		name, ok, err := e.selectNext(ctx, s)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Nothing left unpinned: success.
			return s.mapping, nil
		}

		if e.l.Level >= logrus.DebugLevel {
			e.l.WithFields(logrus.Fields{"round": round, "name": name}).Debug("gps: selecting identifier")
		}

		pinned, err := e.attemptPin(ctx, name)
		if err != nil {
			return nil, err
		}
		if pinned {
			continue
		}

		e.backtrackCauses[name] = struct{}{}
		if crit, ok := e.top().criteria[name]; ok {
			for _, par := range crit.parents() {
				e.backtrackCauses[par.NameID] = struct{}{}
			}
		}
		if !e.backjump(name) {
			return nil, &ResolutionImpossibleError{Causes: e.collectCauseTrace(name)}
		}
	}
}

// selectNext implements step 1: the identifier minimizing the provider's
// preference key among every name with nonempty information and not yet
// pinned.
func (e *engine) selectNext(ctx context.Context, s *state) (NameId, bool, error) {
	var best NameId
	var bestKey preferenceKey
	found := false

	for name, crit := range s.criteria {
		if _, pinned := s.mapping[name]; pinned {
			continue
		}
		if len(crit.info) == 0 {
			continue
		}
		e.p.setState(s.mapping)
		key, err := e.p.getPreference(ctx, name, crit, e.backtrackCauses)
		if err != nil {
			return 0, false, err
		}
		if !found || lessPreference(key, bestKey) {
			best, bestKey, found = name, key, true
		}
	}
	return best, found, nil
}

// attemptPin implements steps 2-3: materialize candidates for name and try
// each in turn, propagating new requirements and re-validating already
// pinned candidates.
func (e *engine) attemptPin(ctx context.Context, name NameId) (bool, error) {
	parent := e.top()
	crit := parent.criteria[name]

	e.p.setState(parent.mapping)
	cands, err := e.p.findMatches(ctx, name, crit)
	if err != nil {
		return false, err
	}

	for _, cand := range cands {
		next := parent.fork()
		next.pin(e.p.identifyCandidate(cand), cand)

		ok, err := e.tryPropagate(ctx, next, cand)
		if err != nil {
			return false, err
		}
		if ok {
			if e.l.Level >= logrus.DebugLevel {
				e.l.WithFields(logrus.Fields{"name": name, "node": cand.NodeID}).Debug("gps: pinned")
			}
			e.stack = append(e.stack, next)
			return true, nil
		}

		// Abandoned candidates are not recorded as incompatibilities: the
		// conflict is conditional on the current pin set, and backjumping
		// changes that set. Only a pin discarded by backjump becomes a
		// durable incompatibility.
	}
	return false, nil
}

// tryPropagate applies get_dependencies(cand) to next, checking that every
// newly introduced requirement is still satisfied by whatever is already
// pinned, and that every already-pinned candidate remains valid under the
// new requirements. It mutates next's criteria map in place (next is a
// fresh fork, never shared).
func (e *engine) tryPropagate(ctx context.Context, next *state, cand Candidate) (bool, error) {
	for _, req := range e.p.getDependencies(cand) {
		id := e.p.identifyRequirement(req)
		if c, ok := next.criteria[id]; ok {
			next.criteria[id] = c.withInformation(information{requirement: req, parent: req.Parent})
		} else {
			next.criteria[id] = newCriterion(information{requirement: req, parent: req.Parent})
		}

		if pinnedCand, ok := next.mapping[id]; ok {
			satisfied, err := e.p.isSatisfiedBy(ctx, req, pinnedCand)
			if err != nil {
				return false, err
			}
			if !satisfied {
				return false, nil
			}
		}
	}

	// Re-check every other pinned candidate against every requirement now
	// recorded for its name, in case cand's new requirements retroactively
	// invalidate it.
	for otherName, otherCand := range next.mapping {
		crit, ok := next.criteria[otherName]
		if !ok {
			continue
		}
		for _, inf := range crit.info {
			satisfied, err := e.p.isSatisfiedBy(ctx, inf.requirement, otherCand)
			if err != nil {
				return false, err
			}
			if !satisfied {
				return false, nil
			}
		}
	}

	return true, nil
}

// backjump implements step 4. It unwinds to the frame before the most
// recent pin, carries that pin forward as a fresh incompatibility, and
// pushes a clean continuation built from what remains. It returns false
// if there's nothing pinned left to retry.
func (e *engine) backjump(failedName NameId) bool {
	// attemptPin only pushes a frame on success, so the frame holding the
	// most recent pin - the choice that needs to be retried differently -
	// is the current top.
	prior := e.top()
	if len(prior.pinnedOrder) == 0 {
		return false
	}
	lastName := prior.pinnedOrder[len(prior.pinnedOrder)-1]
	lastCand := prior.mapping[lastName]

	// Pop every frame that still holds the doomed pin. Usually that is the
	// top alone, but a frame pushed by an earlier backjump shares its pin
	// set with the frame beneath it, and both must go or the unwind would
	// never make progress. stack[0] holds no pins, so the walk terminates.
	base := len(e.stack) - 1
	for base >= 0 {
		if _, pinned := e.stack[base].mapping[lastName]; !pinned {
			break
		}
		base--
	}
	if base < 0 {
		return false
	}
	earlier := e.stack[base].fork()

	// Union every incompatibility accumulated along the discarded branch
	// onto the retry frame, plus the just-discarded pin itself. Only
	// incompatibilities carry over; information entries describe demands
	// raised by pins that no longer exist.
	for name, crit := range prior.criteria {
		if len(crit.incompatibilities) == 0 {
			continue
		}
		ec, ok := earlier.criteria[name]
		if !ok {
			ec = emptyCriterion()
		}
		for id := range crit.incompatibilities {
			ec = ec.withIncompatibility(id)
		}
		earlier.criteria[name] = ec
	}
	ec, ok := earlier.criteria[lastName]
	if !ok {
		ec = emptyCriterion()
	}
	earlier.criteria[lastName] = ec.withIncompatibility(lastCand.NodeID)

	if e.l.Level >= logrus.DebugLevel {
		e.l.WithFields(logrus.Fields{
			"failed":   failedName,
			"unpinned": lastName,
			"node":     lastCand.NodeID,
			"frames":   len(e.stack) - base,
		}).Debug("gps: backjumped, discarded pin marked incompatible")
	}
	e.stack = append(e.stack[:base+1], earlier)
	return true
}

func (e *engine) collectCauseTrace(name NameId) []causeTrace {
	s := e.top()
	crit, ok := s.criteria[name]
	if !ok {
		return nil
	}
	return []causeTrace{{name: name, info: crit.info}}
}
