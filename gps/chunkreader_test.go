package gps

import (
	"context"
	"reflect"
	"testing"
)

// Scenario 3 from the testable-properties list: a header with two chunks,
// ma = [10, 20], bodies [a@5, b@8] and [c@15, d@19]. At cutoff 16,
// candidates_newest_first must yield [c, b, a]: d is excluded (uploaded
// after the cutoff, even though its chunk starts before it), and the
// in-chunk binary search correctly stops at c.
func TestCandidatesNewestFirstTimeCutoff(t *testing.T) {
	g := newTestGraph()
	src := g.node("src", 0, 0)
	a := g.node("dep", 5, 0)
	b := g.node("dep", 8, 0)
	c := g.node("dep", 15, 0)
	d := g.node("dep", 19, 0)
	g.chunk(src, "dep", a, b)
	g.chunk(src, "dep", c, d)

	ctx := g.buildContext(t)
	depName := g.nameID("dep")

	got, err := ctx.candidatesNewestFirst(context.Background(), src, depName, 16, -1, 0)
	if err != nil {
		t.Fatalf("candidatesNewestFirst: %v", err)
	}
	want := []NodeId{c, b, a}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCandidatesNewestFirstWholeChunkAdmissible(t *testing.T) {
	g := newTestGraph()
	src := g.node("src", 0, 0)
	a := g.node("dep", 5, 0)
	b := g.node("dep", 8, 0)
	g.chunk(src, "dep", a, b)

	ctx := g.buildContext(t)
	depName := g.nameID("dep")

	got, err := ctx.candidatesNewestFirst(context.Background(), src, depName, 100, -1, 0)
	if err != nil {
		t.Fatalf("candidatesNewestFirst: %v", err)
	}
	want := []NodeId{b, a}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCandidatesNewestFirstCutoffExcludesEverything(t *testing.T) {
	g := newTestGraph()
	src := g.node("src", 0, 0)
	a := g.node("dep", 5, 0)
	g.chunk(src, "dep", a)

	ctx := g.buildContext(t)
	depName := g.nameID("dep")

	got, err := ctx.candidatesNewestFirst(context.Background(), src, depName, 0, -1, 0)
	if err != nil {
		t.Fatalf("candidatesNewestFirst: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

// Chunk bodies are fetched from the store once and served from the LRU on
// every later read, regardless of cutoff.
func TestChunkBodiesCachedAcrossCalls(t *testing.T) {
	g := newTestGraph()
	src := g.node("src", 0, 0)
	a := g.node("dep", 5, 0)
	b := g.node("dep", 8, 0)
	g.chunk(src, "dep", a, b)

	ctx := g.buildContext(t)
	depName := g.nameID("dep")

	for _, cutoff := range []int64{10, 6, 100} {
		if _, err := ctx.candidatesNewestFirst(context.Background(), src, depName, cutoff, -1, 0); err != nil {
			t.Fatalf("candidatesNewestFirst: %v", err)
		}
	}
	if g.store.fetchCount != 1 {
		t.Errorf("store fetch count = %d, want 1 (later reads should hit the LRU)", g.store.fetchCount)
	}
}

func TestEdgeExistsUpTo(t *testing.T) {
	g := newTestGraph()
	src := g.node("src", 0, 0)
	a := g.node("dep", 5, 0)
	b := g.node("dep", 8, 0)
	g.chunk(src, "dep", a, b)

	ctx := g.buildContext(t)
	depName := g.nameID("dep")

	ok, err := ctx.edgeExistsUpTo(context.Background(), src, depName, b, 8)
	if err != nil {
		t.Fatalf("edgeExistsUpTo: %v", err)
	}
	if !ok {
		t.Error("expected edge to exist at cutoff 8")
	}

	ok, err = ctx.edgeExistsUpTo(context.Background(), src, depName, b, 7)
	if err != nil {
		t.Fatalf("edgeExistsUpTo: %v", err)
	}
	if ok {
		t.Error("expected edge to be excluded at cutoff 7")
	}
}
