package gps

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

const defaultMaxRounds = 100

// DebugTree is the optional per-resolution diagnostic payload: the pinned
// nodes, the dependency edges between them, and the name->node mapping,
// matching the batch CLI's JSON tree format.
type DebugTree struct {
	Nodes   []NodeId          `json:"nodes"`
	Edges   [][2]NodeId       `json:"edges"`
	Mapping map[NameId]NodeId `json:"mapping"`
}

// Runner wraps a Context and exposes the single entry point, Resolve, that
// the batch CLI and tests drive. A Runner is cheap to construct and holds
// no state of its own beyond the Context reference.
type Runner struct {
	c *Context
	l *logrus.Logger
}

// NewRunner returns a Runner bound to c.
func NewRunner(c *Context) *Runner {
	return &Runner{c: c, l: c.l}
}

// Resolve runs one time-aware, root-pinned resolution starting from
// startNodeID, with rootNodeID/rootNameID designating the pinned root and
// cutoff bounding admissible first-upload times. maxRounds <= 0 uses the
// default of 100. When debug is true, a DebugTree is returned alongside a
// successful resolution.
func (r *Runner) Resolve(ctx context.Context, startNodeID, rootNodeID NodeId, rootNameID NameId, cutoff int64, debug bool, maxRounds int) (resolved bool, depth int, tree *DebugTree, err error) {
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	startNameID, ok := r.c.nodeName(startNodeID)
	if !ok {
		return false, -1, nil, &MissingDataError{What: "node", ID: int(startNodeID)}
	}
	if _, ok := r.c.nodeName(rootNodeID); !ok {
		return false, -1, nil, &MissingDataError{What: "node", ID: int(rootNodeID)}
	}

	p := newProvider(r.c, r.l, startNodeID, rootNodeID, rootNameID, cutoff)
	eng := newEngine(p, r.l, maxRounds)
	eng.seedRoot(startNameID)

	if r.l.Level >= logrus.DebugLevel {
		r.l.WithFields(logrus.Fields{
			"start":  startNodeID,
			"root":   rootNodeID,
			"cutoff": cutoff,
		}).Debug("gps: starting resolution")
	}

	mapping, runErr := eng.run(ctx)
	if runErr != nil {
		switch runErr.(type) {
		case *ResolutionImpossibleError, *RoundLimitExceededError:
			r.l.WithError(runErr).Debug("gps: resolution did not converge")
			return false, -1, nil, nil
		default:
			return false, -1, nil, runErr
		}
	}

	edges, err := buildResultEdges(p, mapping)
	if err != nil {
		return false, -1, nil, err
	}

	depth = bfsDepth(startNodeID, rootNodeID, edges)

	var dt *DebugTree
	if debug {
		dt = buildDebugTree(mapping, edges)
	}

	return true, depth, dt, nil
}

// buildResultEdges derives the dependency edges of the result graph: one
// (parent, child) pair per get_dependencies entry whose child ended up
// pinned. Parents are visited in NameId order so two runs over the same
// input produce byte-identical trees.
func buildResultEdges(p *provider, mapping map[NameId]Candidate) ([][2]NodeId, error) {
	names := make([]NameId, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var edges [][2]NodeId
	for _, name := range names {
		parent := mapping[name]
		for _, req := range p.getDependencies(parent) {
			child, ok := mapping[req.NameID]
			if !ok {
				continue
			}
			edges = append(edges, [2]NodeId{parent.NodeID, child.NodeID})
		}
	}
	return edges, nil
}

// bfsDepth computes the shortest number of forward hops from start to root
// in the result graph, or -1 if root is unreachable. start == root is
// depth 0.
func bfsDepth(start, root NodeId, edges [][2]NodeId) int {
	if start == root {
		return 0
	}

	adj := make(map[NodeId][]NodeId)
	for _, e := range edges {
		adj[e[0]] = append(adj[e[0]], e[1])
	}

	visited := map[NodeId]struct{}{start: {}}
	frontier := []NodeId{start}
	depth := 0
	for len(frontier) > 0 {
		depth++
		var next []NodeId
		for _, n := range frontier {
			for _, m := range adj[n] {
				if _, ok := visited[m]; ok {
					continue
				}
				if m == root {
					return depth
				}
				visited[m] = struct{}{}
				next = append(next, m)
			}
		}
		frontier = next
	}
	return -1
}

func buildDebugTree(mapping map[NameId]Candidate, edges [][2]NodeId) *DebugTree {
	names := make([]NameId, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	nodes := make([]NodeId, 0, len(names))
	m := make(map[NameId]NodeId, len(names))
	for _, name := range names {
		nodes = append(nodes, mapping[name].NodeID)
		m[name] = mapping[name].NodeID
	}
	return &DebugTree{Nodes: nodes, Edges: edges, Mapping: m}
}
