package gps

import (
	"context"
	"sort"
)

// candidatesNewestFirst yields, in descending first-upload-time order,
// every NodeId that is a dependency-edge destination for (src, dep) with
// time <= cutoff. It implements the two-level binary search: first over
// chunk boundaries (mi/ma), then within a chunk body once it's been
// fetched.
//
// One special-cased shortcut mirrors the root-pinning rule: when dep
// equals rootNameID, the only admissible candidate is rootNodeID itself -
// edges into the root name from anywhere else in the graph are irrelevant,
// since the provider only ever offers the pinned root candidate for that
// name. A rootNameID that matches no name (such as -1) disables the
// shortcut.
func (c *Context) candidatesNewestFirst(ctx context.Context, src NodeId, dep NameId, cutoff int64, rootNameID NameId, rootNodeID NodeId) ([]NodeId, error) {
	if dep == rootNameID {
		if t, ok := c.nodeTimeOf(rootNodeID); ok && t <= cutoff {
			return []NodeId{rootNodeID}, nil
		}
		return nil, nil
	}

	h, ok := c.headerFor(src, dep)
	if !ok {
		return nil, nil
	}

	// Find the last chunk index whose minimum time is still <= cutoff; mi is
	// ascending since chunk boundaries are time-monotonic, so everything
	// past that index is entirely newer than the cutoff and can be skipped
	// without fetching its body.
	cstar := sort.Search(len(h.mi), func(i int) bool { return h.mi[i] > cutoff }) - 1
	if cstar < 0 {
		return nil, nil
	}

	var out []NodeId
	for i := cstar; i >= 0; i-- {
		body, err := c.fetchChunk(ctx, src, dep, i)
		if err != nil {
			return nil, err
		}

		if h.ma[i] <= cutoff {
			// Whole chunk qualifies; no need to search within it.
			for j := len(body) - 1; j >= 0; j-- {
				out = append(out, body[j])
			}
			continue
		}

		// Binary search within the chunk for the admissible prefix: body is
		// ascending by time, so find the last index whose node time <= cutoff.
		limit := sort.Search(len(body), func(j int) bool {
			t, ok := c.nodeTimeOf(body[j])
			return !ok || t > cutoff
		})
		for j := limit - 1; j >= 0; j-- {
			out = append(out, body[j])
		}
	}
	return out, nil
}

// edgeExistsUpTo reports whether src declares a dependency edge to dst
// (whose name is dep) with a first-upload-time <= cutoff. It is the
// is_satisfied_by primitive: rather than materializing every candidate, it
// walks the same chunk structure looking for one specific destination.
func (c *Context) edgeExistsUpTo(ctx context.Context, src NodeId, dep NameId, dst NodeId, cutoff int64) (bool, error) {
	t, ok := c.nodeTimeOf(dst)
	if !ok || t > cutoff {
		return false, nil
	}

	h, ok := c.headerFor(src, dep)
	if !ok {
		return false, nil
	}

	for i, ma := range h.ma {
		if h.mi[i] > t || ma < t {
			continue
		}
		body, err := c.fetchChunk(ctx, src, dep, i)
		if err != nil {
			return false, err
		}
		for _, id := range body {
			if id == dst {
				return true, nil
			}
		}
	}
	return false, nil
}
