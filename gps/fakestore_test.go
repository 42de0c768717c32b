package gps

import (
	"context"
	"testing"
)

// fakeStore is an in-memory Store used by every test in this package. It
// mirrors the shape of the real backing collections closely enough that
// tests exercise the same Context construction path mongoStore does,
// without a database.
type fakeStore struct {
	names   map[NameId]string
	arrays  Arrays
	adjDeps map[NodeId][]NameId
	headers map[headerKey]*header
	chunks  map[chunkKey][]NodeId

	fetchCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		names:   make(map[NameId]string),
		adjDeps: make(map[NodeId][]NameId),
		headers: make(map[headerKey]*header),
		chunks:  make(map[chunkKey][]NodeId),
	}
}

func (s *fakeStore) LoadNames(ctx context.Context) (map[NameId]string, error) {
	return s.names, nil
}

func (s *fakeStore) LoadArrays(ctx context.Context) (Arrays, error) {
	return s.arrays, nil
}

func (s *fakeStore) LoadAdjDeps(ctx context.Context) (map[NodeId][]NameId, error) {
	return s.adjDeps, nil
}

func (s *fakeStore) LoadAdjHeaders(ctx context.Context) (map[headerKey]*header, error) {
	return s.headers, nil
}

func (s *fakeStore) FetchChunk(ctx context.Context, src NodeId, dep NameId, chunk int) ([]NodeId, error) {
	s.fetchCount++
	return s.chunks[chunkKey{Src: src, Dep: dep, Chunk: chunk}], nil
}

// testGraph is a convenience builder for small fixture graphs: it tracks
// the next free NodeId/NameId and fills in a fakeStore's arrays as nodes
// are declared.
type testGraph struct {
	store    *fakeStore
	nextNode NodeId
	nextName NameId
	byName   map[string]NameId
}

func newTestGraph() *testGraph {
	return &testGraph{
		store:  newFakeStore(),
		byName: make(map[string]NameId),
	}
}

func (g *testGraph) nameID(name string) NameId {
	if id, ok := g.byName[name]; ok {
		return id
	}
	id := g.nextName
	g.nextName++
	g.byName[name] = id
	g.store.names[id] = name
	return id
}

// node declares a new node with the given package name, upload time, and
// interpreter mask (0 means AllInterpretersMask).
func (g *testGraph) node(name string, t int64, mask uint32) NodeId {
	id := g.nextNode
	g.nextNode++
	if mask == 0 {
		mask = AllInterpretersMask
	}
	nameID := g.nameID(name)

	for NodeId(len(g.store.arrays.NodeNameID)) <= id {
		g.store.arrays.NodeNameID = append(g.store.arrays.NodeNameID, -1)
		g.store.arrays.NodeTime = append(g.store.arrays.NodeTime, -1)
		g.store.arrays.NodePyMask = append(g.store.arrays.NodePyMask, AllInterpretersMask)
	}
	g.store.arrays.NodeNameID[id] = nameID
	g.store.arrays.NodeTime[id] = t
	g.store.arrays.NodePyMask[id] = mask
	return id
}

// deps records src's direct dependency names, in order.
func (g *testGraph) deps(src NodeId, names ...string) {
	ids := make([]NameId, len(names))
	for i, n := range names {
		ids[i] = g.nameID(n)
	}
	g.store.adjDeps[src] = ids
}

// chunk adds one chunk body for (src, depName), keeping the header's
// mi/ma/n arrays consistent with the bodies added so far. Destinations
// must be supplied in ascending time order and every chunk added after the
// first must start no earlier than the previous chunk ended, matching the
// monotone-chunk-boundary invariant.
func (g *testGraph) chunk(src NodeId, depName string, dstIDs ...NodeId) {
	dep := g.nameID(depName)
	key := headerKey{Src: src, Dep: dep}
	h, ok := g.store.headers[key]
	if !ok {
		h = &header{}
		g.store.headers[key] = h
	}

	var mi, ma int64 = -1, -1
	for _, d := range dstIDs {
		t := g.store.arrays.NodeTime[d]
		if mi == -1 || t < mi {
			mi = t
		}
		if t > ma {
			ma = t
		}
	}

	idx := len(h.mi)
	h.mi = append(h.mi, mi)
	h.ma = append(h.ma, ma)
	h.n = append(h.n, len(dstIDs))
	h.total += len(dstIDs)

	g.store.chunks[chunkKey{Src: src, Dep: dep, Chunk: idx}] = dstIDs
}

func (g *testGraph) buildContext(t *testing.T) *Context {
	t.Helper()
	c, err := NewContext(context.Background(), Config{ChunkCacheCap: 64}, g.store, testLogger())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return c
}
