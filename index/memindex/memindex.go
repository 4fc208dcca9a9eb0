// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package memindex is an in-process index.Index: a map of entries
// guarded by a mutex, sorted into a fresh slice on every read (unlike
// an LRU, entries here are never evicted --
// this is a priority queue, not a cache). It is used in tests and as
// the production fallback Index when Redis is not configured.
package memindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orrery/dispatch/index"
)

type entry struct {
	planetID    string
	nextRunTime time.Time
	seq         int64 // insertion order, for a stable tie-break
}

// Index is an in-memory index.Index. It cannot fail, so every method
// returns ok == true, except PeekNextTime on an empty index; this
// exists mainly to give PollDue/
// ListAll callers one interface regardless of backend.
type Index struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int64
}

// New returns an empty Index.
func New() *Index {
	return &Index{entries: make(map[string]*entry)}
}

var _ index.Index = (*Index)(nil)

func (x *Index) Upsert(ctx context.Context, planetID string, nextRunTime time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.nextSeq++
	x.entries[planetID] = &entry{planetID: planetID, nextRunTime: nextRunTime, seq: x.nextSeq}
	return true
}

// sortedSnapshot returns every entry sorted by (nextRunTime, seq).
// Breaking ties by insertion order keeps PollDue's result stable
// across repeated calls against an unchanged set.
func (x *Index) sortedSnapshot() []*entry {
	out := make([]*entry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].nextRunTime.Equal(out[j].nextRunTime) {
			return out[i].nextRunTime.Before(out[j].nextRunTime)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (x *Index) PollDue(ctx context.Context, now time.Time, limit int) ([]string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var due []string
	for _, e := range x.sortedSnapshot() {
		if e.nextRunTime.After(now) {
			break
		}
		due = append(due, e.planetID)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	if due == nil {
		due = []string{}
	}
	return due, true
}

func (x *Index) Remove(ctx context.Context, planetID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.entries, planetID)
	return true
}

func (x *Index) Size(ctx context.Context) (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	return len(x.entries), true
}

func (x *Index) PeekNextTime(ctx context.Context) (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	snap := x.sortedSnapshot()
	if len(snap) == 0 {
		return time.Time{}, false
	}
	return snap[0].nextRunTime, true
}

func (x *Index) ListAll(ctx context.Context) ([]index.Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	snap := x.sortedSnapshot()
	out := make([]index.Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, index.Entry{PlanetID: e.planetID, NextRunTime: e.nextRunTime})
	}
	return out, true
}

func (x *Index) Close() error { return nil }
