// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sort"
	"sync"

	"grimm.is/flyoffload/internal/offload"
)

// Counter is a placeholder statistics counter. It has no hardware of its
// own: it aggregates the hardware counters of the consolidated flows linked
// to it, plus the totals folded in from flows that have since gone away.
type Counter struct {
	mu      sync.Mutex
	folded  offload.Counters
	sources map[ID]*Flow
}

// NewCounter returns an empty placeholder counter.
func NewCounter() *Counter {
	return &Counter{sources: make(map[ID]*Flow)}
}

// Link adds a consolidated flow whose hardware counter feeds this one.
func (c *Counter) Link(f *Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[f.ID] = f
}

// Unlink removes a source and folds its final counters in.
func (c *Counter) Unlink(f *Flow, final offload.Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[f.ID]; !ok {
		return
	}
	delete(c.sources, f.ID)
	c.folded = c.folded.Add(final)
}

// Read returns the folded totals and the currently linked sources.
func (c *Counter) Read() (offload.Counters, []*Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	srcs := make([]*Flow, 0, len(c.sources))
	for _, f := range c.sources {
		srcs = append(srcs, f)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].ID < srcs[j].ID })
	return c.folded, srcs
}
