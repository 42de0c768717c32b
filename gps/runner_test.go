package gps

import (
	"context"
	"reflect"
	"testing"
)

// Scenario 1: trivial pinning. start == root, no dependencies.
func TestResolveTrivialPinning(t *testing.T) {
	g := newTestGraph()
	n0 := g.node("k0", 100, 0)

	ctx := g.buildContext(t)
	k0 := g.nameID("k0")
	runner := NewRunner(ctx)

	resolved, depth, tree, err := runner.Resolve(context.Background(), n0, n0, k0, 100, true, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved {
		t.Fatal("expected resolved")
	}
	if depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
	if tree == nil || len(tree.Nodes) != 1 || tree.Nodes[0] != n0 {
		t.Errorf("tree = %+v, want single node %d", tree, n0)
	}
	if tree.Mapping[k0] != n0 {
		t.Errorf("mapping[%d] = %d, want %d", k0, tree.Mapping[k0], n0)
	}
}

// Scenario 2: direct dependency on root. Only the pinned root node is
// admissible as the dependency's candidate.
func TestResolveDirectDependencyOnRoot(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 50, 0)
	decoy := g.node("root-pkg", 40, 0)
	root := g.node("root-pkg", 45, 0)
	g.deps(start, "root-pkg")
	g.chunk(start, "root-pkg", decoy, root)

	ctx := g.buildContext(t)
	rootName := g.nameID("root-pkg")
	runner := NewRunner(ctx)

	resolved, depth, _, err := runner.Resolve(context.Background(), start, root, rootName, 50, false, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved {
		t.Fatal("expected resolved")
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
}

// Root pinning overrides the parent's own edges end to end: even when the
// parent's precomputed adjacency for the root's name excludes the pinned
// root node, demanding that name resolves to the root node and succeeds.
func TestResolveRootPinOverridesParentEdges(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 50, 0)
	old1 := g.node("root-pkg", 10, 0)
	old2 := g.node("root-pkg", 40, 0)
	root := g.node("root-pkg", 45, 0)
	g.deps(start, "root-pkg")
	// start's edges reach only the two older versions, not root itself.
	g.chunk(start, "root-pkg", old1, old2)

	ctx := g.buildContext(t)
	rootName := g.nameID("root-pkg")
	runner := NewRunner(ctx)

	resolved, depth, tree, err := runner.Resolve(context.Background(), start, root, rootName, 50, true, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved {
		t.Fatal("expected resolution to succeed: root pinning does not consult the parent's edges")
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
	if tree.Mapping[rootName] != root {
		t.Errorf("mapping[root-pkg] = %d, want pinned root %d", tree.Mapping[rootName], root)
	}
}

// Scenario 4 end to end: root pinning makes resolution fail when the root
// node itself is newer than the cutoff, even though the parent has other
// edges to the same name.
func TestResolveRootPinFailsWhenRootTooNew(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 50, 0)
	other := g.node("root-pkg", 10, 0)
	root := g.node("root-pkg", 60, 0)
	g.deps(start, "root-pkg")
	g.chunk(start, "root-pkg", other, root)

	ctx := g.buildContext(t)
	rootName := g.nameID("root-pkg")
	runner := NewRunner(ctx)

	resolved, depth, tree, err := runner.Resolve(context.Background(), start, root, rootName, 50, false, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved {
		t.Fatal("expected resolution to fail: root node is newer than cutoff")
	}
	if depth != -1 || tree != nil {
		t.Errorf("got depth=%d tree=%v, want -1/nil on failure", depth, tree)
	}
}

// Scenario 5: two dependencies pin candidates whose interpreter masks have
// an empty intersection; resolution must fail when no alternative exists.
func TestResolveInterpreterMaskConflict(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 10, 0)
	a := g.node("a", 5, 0b0011)
	b := g.node("b", 5, 0b1100)
	g.deps(start, "a", "b")
	g.chunk(start, "a", a)
	g.chunk(start, "b", b)

	ctx := g.buildContext(t)
	runner := NewRunner(ctx)

	resolved, depth, tree, err := runner.Resolve(context.Background(), start, start, g.nameID("start"), 10, false, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved {
		t.Fatal("expected resolution to fail: disjoint interpreter masks")
	}
	if depth != -1 || tree != nil {
		t.Errorf("got depth=%d tree=%v, want -1/nil on failure", depth, tree)
	}
}

// Scenario 6: two dependencies point at the same name K, but only one
// version of K satisfies both edges. Whether the engine reaches that
// version directly (by intersecting both parents' candidate sets) or by
// pinning the newest candidate first and backjumping off it once the
// second demand arrives, the only correct outcome is the one surviving
// candidate.
func TestResolveConflictingDependencyPathsConverge(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 20, 0)
	kNew := g.node("k", 15, 0b0001)
	kOld := g.node("k", 10, 0b0011)
	gate := g.node("gate", 12, 0b0011)

	// start depends on k (offered newest-first: kNew, kOld) and on gate.
	// gate also depends on k, but via an edge that only reaches kOld - so
	// once gate is pinned, kNew is no longer a valid choice for k.
	g.deps(start, "k", "gate")
	g.chunk(start, "k", kOld, kNew)
	g.deps(gate, "k")
	g.chunk(gate, "k", kOld)
	g.chunk(start, "gate", gate)

	ctx := g.buildContext(t)
	runner := NewRunner(ctx)

	resolved, _, tree, err := runner.Resolve(context.Background(), start, start, g.nameID("start"), 20, true, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved {
		t.Fatal("expected resolution to succeed by converging on the surviving k candidate")
	}
	kName := g.nameID("k")
	if tree.Mapping[kName] != kOld {
		t.Errorf("mapping[k] = %d, want the surviving candidate %d", tree.Mapping[kName], kOld)
	}
}

// The engine pins k=kNew before discovering that every candidate for x
// demands kOld. It must backjump, mark kNew incompatible, and finish with
// the next-newest k candidate.
func TestResolveBackjumpRetriesNextNewest(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 20, 0)
	kOld := g.node("k", 10, 0)
	kNew := g.node("k", 15, 0)
	x1 := g.node("x", 12, 0)
	x2 := g.node("x", 14, 0)

	g.deps(start, "k", "x")
	g.chunk(start, "k", kOld, kNew)
	g.chunk(start, "x", x1, x2)
	g.deps(x1, "k")
	g.chunk(x1, "k", kOld)
	g.deps(x2, "k")
	g.chunk(x2, "k", kOld)

	ctx := g.buildContext(t)
	runner := NewRunner(ctx)

	resolved, _, tree, err := runner.Resolve(context.Background(), start, start, g.nameID("start"), 20, true, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved {
		t.Fatal("expected resolution to succeed after backjumping off kNew")
	}
	if tree.Mapping[g.nameID("k")] != kOld {
		t.Errorf("mapping[k] = %d, want %d after kNew is marked incompatible", tree.Mapping[g.nameID("k")], kOld)
	}
	if tree.Mapping[g.nameID("x")] != x2 {
		t.Errorf("mapping[x] = %d, want the newest x candidate %d", tree.Mapping[g.nameID("x")], x2)
	}
}

// Resolution is deterministic: two runs over an unchanged context produce
// identical triples, including the debug tree byte for byte.
func TestResolveDeterministic(t *testing.T) {
	g := newTestGraph()
	start := g.node("start", 20, 0)
	kNew := g.node("k", 15, 0b0001)
	kOld := g.node("k", 10, 0b0011)
	gate := g.node("gate", 12, 0b0011)
	g.deps(start, "k", "gate")
	g.chunk(start, "k", kOld, kNew)
	g.deps(gate, "k")
	g.chunk(gate, "k", kOld)
	g.chunk(start, "gate", gate)

	ctx := g.buildContext(t)
	runner := NewRunner(ctx)

	res1, d1, t1, err := runner.Resolve(context.Background(), start, start, g.nameID("start"), 20, true, 0)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	res2, d2, t2, err := runner.Resolve(context.Background(), start, start, g.nameID("start"), 20, true, 0)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if res1 != res2 || d1 != d2 {
		t.Errorf("outcomes differ: (%v, %d) vs (%v, %d)", res1, d1, res2, d2)
	}
	if !reflect.DeepEqual(t1, t2) {
		t.Errorf("debug trees differ:\n%+v\n%+v", t1, t2)
	}
}

// A start or root node outside the preloaded arrays is a data error, not an
// unresolvable input.
func TestResolveMissingNodeIsFatal(t *testing.T) {
	g := newTestGraph()
	n0 := g.node("k0", 100, 0)

	ctx := g.buildContext(t)
	runner := NewRunner(ctx)

	_, _, _, err := runner.Resolve(context.Background(), 9999, n0, g.nameID("k0"), 100, false, 0)
	if _, ok := err.(*MissingDataError); !ok {
		t.Errorf("missing start node: got %v, want *MissingDataError", err)
	}

	_, _, _, err = runner.Resolve(context.Background(), n0, 9999, g.nameID("k0"), 100, false, 0)
	if _, ok := err.(*MissingDataError); !ok {
		t.Errorf("missing root node: got %v, want *MissingDataError", err)
	}
}
