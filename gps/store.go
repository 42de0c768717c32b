package gps

import "context"

// headerKey identifies the per-(src, dep-name) chunk header for one edge
// group.
type headerKey struct {
	Src NodeId
	Dep NameId
}

// header is the per-(src, dep-name) chunk summary: mi/ma/n are parallel
// slices indexed by chunk number. Chunks are ordered so that destinations
// are ascending by first-upload time across chunks and within each chunk;
// ma[c] <= mi[c+1] holds for every adjacent pair.
type header struct {
	mi    []int64
	ma    []int64
	n     []int
	total int
}

// Arrays bundles the three per-node arrays that must agree on length
// (sized to max_node_id + 1). A missing node uses nameID == -1 and
// time == -1 as sentinels; nodePyMask defaults to AllInterpretersMask.
type Arrays struct {
	NodeNameID []NameId
	NodeTime   []int64
	NodePyMask []uint32
}

// Store is the read-only interface the resolver needs from the backing
// database. It is deliberately narrow: the resolver core never imports a
// database driver directly, only a concrete Store implementation does.
//
// All bulk Load* methods are called exactly once, at Context construction.
// FetchChunk is called repeatedly, on every chunk-cache miss, for the life
// of the Context.
type Store interface {
	// LoadNames returns the name_id -> name table.
	LoadNames(ctx context.Context) (map[NameId]string, error)

	// LoadArrays returns the three per-node arrays, already reconciled to a
	// common length.
	LoadArrays(ctx context.Context) (Arrays, error)

	// LoadAdjDeps returns, for every source node that has any, its ordered
	// (duplicate-free) list of direct dependency name ids.
	LoadAdjDeps(ctx context.Context) (map[NodeId][]NameId, error)

	// LoadAdjHeaders returns every (src, dep-name) chunk header.
	LoadAdjHeaders(ctx context.Context) (map[headerKey]*header, error)

	// FetchChunk returns the destination node ids of one chunk body, in
	// ascending first-upload-time order. It is called only on a cache miss;
	// implementations need not cache internally, the Context's LRU (and
	// optional disk cache) already do.
	FetchChunk(ctx context.Context, src NodeId, dep NameId, chunk int) ([]NodeId, error)
}
