package gps

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// chunkKey identifies one cached chunk body.
type chunkKey struct {
	Src   NodeId
	Dep   NameId
	Chunk int
}

// Context holds everything loaded once from a Store for the lifetime of a
// batch of resolutions: the per-node arrays, the adjacency headers, and the
// chunk-body cache (in-memory LRU, optionally backed by an on-disk cache).
// A Context is safe for concurrent use by multiple Runners once built;
// NewContext itself is not safe to call concurrently with anything else
// touching the same disk cache path.
type Context struct {
	l *logrus.Logger

	names map[NameId]string

	nodeNameID []NameId
	nodeTime   []int64
	nodePyMask []uint32

	adjDeps map[NodeId][]NameId
	headers map[headerKey]*header

	store     Store
	names2ids *nameIndex

	chunkMu  sync.Mutex
	chunkLRU *lru.Cache[chunkKey, []NodeId]
	disk     *diskCache // nil when no on-disk cache is configured
}

// NewContext loads every bulk collection from store and prepares the chunk
// cache. cfg.ChunkCacheCap bounds the in-memory LRU entry count;
// cfg.DiskCachePath, if non-empty, layers a BoltDB-backed second-level
// cache beneath it.
func NewContext(ctx context.Context, cfg Config, store Store, l *logrus.Logger) (*Context, error) {
	if l == nil {
		l = logrus.New()
	}

	if l.Level >= logrus.DebugLevel {
		l.Debug("gps: loading name table")
	}
	names, err := store.LoadNames(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading name table")
	}

	if l.Level >= logrus.DebugLevel {
		l.Debug("gps: loading node arrays")
	}
	arrays, err := store.LoadArrays(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading node arrays")
	}
	if len(arrays.NodeNameID) != len(arrays.NodeTime) || len(arrays.NodeTime) != len(arrays.NodePyMask) {
		return nil, fmt.Errorf("gps: store returned mismatched array lengths: %d/%d/%d",
			len(arrays.NodeNameID), len(arrays.NodeTime), len(arrays.NodePyMask))
	}

	if l.Level >= logrus.DebugLevel {
		l.Debug("gps: loading adjacency deps")
	}
	adjDeps, err := store.LoadAdjDeps(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading adjacency deps")
	}

	if l.Level >= logrus.DebugLevel {
		l.Debug("gps: loading adjacency headers")
	}
	headers, err := store.LoadAdjHeaders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading adjacency headers")
	}

	cap := cfg.ChunkCacheCap
	if cap <= 0 {
		cap = 200000
	}
	chunkLRU, err := lru.New[chunkKey, []NodeId](cap)
	if err != nil {
		return nil, errors.Wrap(err, "constructing chunk cache")
	}

	c := &Context{
		l:          l,
		names:      names,
		nodeNameID: arrays.NodeNameID,
		nodeTime:   arrays.NodeTime,
		nodePyMask: arrays.NodePyMask,
		adjDeps:    adjDeps,
		headers:    headers,
		store:      store,
		chunkLRU:   chunkLRU,
		names2ids:  newNameIndex(names),
	}

	if cfg.DiskCachePath != "" {
		dc, err := openDiskCache(cfg.DiskCachePath, l)
		if err != nil {
			return nil, errors.Wrap(err, "opening disk cache")
		}
		c.disk = dc
	}

	l.WithFields(logrus.Fields{
		"nodes": len(c.nodeNameID),
		"names": c.names2ids.Len(),
	}).Info("gps: context loaded")

	return c, nil
}

// Close releases the disk cache's file lock and database handle, if one was
// opened.
func (c *Context) Close() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.Close()
}

func (c *Context) nodeName(id NodeId) (NameId, bool) {
	if int(id) < 0 || int(id) >= len(c.nodeNameID) {
		return 0, false
	}
	n := c.nodeNameID[id]
	if n < 0 {
		return 0, false
	}
	return n, true
}

func (c *Context) nodePyMaskOf(id NodeId) uint32 {
	if int(id) < 0 || int(id) >= len(c.nodePyMask) {
		return AllInterpretersMask
	}
	return c.nodePyMask[id]
}

func (c *Context) nodeTimeOf(id NodeId) (int64, bool) {
	if int(id) < 0 || int(id) >= len(c.nodeTime) {
		return 0, false
	}
	t := c.nodeTime[id]
	if t < 0 {
		return 0, false
	}
	return t, true
}

// depNames returns the direct dependency name ids declared by src. A node
// with no recorded adjacency is assumed dependency-free rather than an
// error - see DESIGN.md on the loader-completeness open question.
func (c *Context) depNames(src NodeId) []NameId {
	return c.adjDeps[src]
}

func (c *Context) headerFor(src NodeId, dep NameId) (*header, bool) {
	h, ok := c.headers[headerKey{Src: src, Dep: dep}]
	return h, ok
}

// NodeTime exposes a node's first-upload epoch to external collaborators
// (the batch CLI computes per-node cutoffs from it).
func (c *Context) NodeTime(id NodeId) (int64, bool) {
	return c.nodeTimeOf(id)
}

// NodeNameID exposes a node's package NameId, for callers that need to
// derive a root name from a root node rather than a name string.
func (c *Context) NodeNameID(id NodeId) (NameId, bool) {
	return c.nodeName(id)
}

// NameID resolves a canonical package name to its NameId, for callers (the
// batch CLI's --subgraph flag resolution) that only know a node by name.
func (c *Context) NameID(name string) (NameId, bool) {
	return c.names2ids.Lookup(name)
}

// NamesWithPrefix returns every canonical name starting with prefix and its
// NameId, for the batch CLI's name-lookup diagnostic subcommand.
func (c *Context) NamesWithPrefix(prefix string) map[string]NameId {
	return c.names2ids.WithPrefix(prefix)
}

func (c *Context) name(id NameId) string {
	if n, ok := c.names[id]; ok {
		return n
	}
	return fmt.Sprintf("<name %d>", id)
}

// fetchChunk returns the destination node ids of one chunk body, checking
// the in-memory LRU, then the disk cache, then falling through to the
// Store on a full miss. Both caches are populated on a Store hit.
func (c *Context) fetchChunk(ctx context.Context, src NodeId, dep NameId, chunk int) ([]NodeId, error) {
	key := chunkKey{Src: src, Dep: dep, Chunk: chunk}

	if v, ok := c.chunkLRU.Get(key); ok {
		return v, nil
	}

	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()

	// Re-check under the lock: another goroutine may have populated the
	// entry while we waited.
	if v, ok := c.chunkLRU.Get(key); ok {
		return v, nil
	}

	if c.disk != nil {
		if v, ok, err := c.disk.get(src, dep, chunk); err != nil {
			c.l.WithError(err).Warn("gps: disk cache read failed, falling through to store")
		} else if ok {
			c.chunkLRU.Add(key, v)
			return v, nil
		}
	}

	if c.l.Level >= logrus.DebugLevel {
		c.l.WithFields(logrus.Fields{"src": src, "dep": dep, "chunk": chunk}).Debug("gps: chunk cache miss, fetching")
	}

	ids, err := c.store.FetchChunk(ctx, src, dep, chunk)
	if err != nil {
		return nil, &BackingStoreError{Op: "FetchChunk", Err: err}
	}

	c.chunkLRU.Add(key, ids)
	if c.disk != nil {
		if err := c.disk.put(src, dep, chunk, ids); err != nil {
			c.l.WithError(err).Warn("gps: disk cache write failed")
		}
	}
	return ids, nil
}
