package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/kart-io/studymate/internal/pkg/textutil"
)

// Memory is an in-process index. Vectors are stored normalized so cosine
// similarity is a dot product.
//
// With partitions > 0 entries are bucketed by their nearest centroid, the
// first vectors inserted seeding the centroids, and a query probes the
// nearest buckets first, IVF style. Probing widens until K matching
// candidates are found or every bucket was scanned.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	byDocument map[string]map[string]struct{}

	partitions int
	nprobe     int
	centroids  [][]float32
	buckets    []map[string]struct{}
	bucketOf   map[string]int
}

var _ Index = (*Memory)(nil)

// NewMemory creates an in-process index. partitions of 0 scans exactly.
func NewMemory(partitions int) *Memory {
	nprobe := partitions / 4
	if nprobe < 1 {
		nprobe = 1
	}
	return &Memory{
		entries:    make(map[string]*Entry),
		byDocument: make(map[string]map[string]struct{}),
		partitions: partitions,
		nprobe:     nprobe,
		bucketOf:   make(map[string]int),
	}
}

// Name returns the backend name.
func (m *Memory) Name() string {
	return "memory"
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Insert adds or replaces entries.
func (m *Memory) Insert(_ context.Context, entries []Entry) error {
	for i := range entries {
		if len(entries[i].Vector) == 0 {
			return fmt.Errorf("entry %s has an empty vector", entries[i].ID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entries {
		e := entries[i]
		e.Vector = textutil.Normalize(e.Vector)
		m.removeLocked(e.ID)

		m.entries[e.ID] = &e
		docs, ok := m.byDocument[e.DocumentID]
		if !ok {
			docs = make(map[string]struct{})
			m.byDocument[e.DocumentID] = docs
		}
		docs[e.ID] = struct{}{}
		m.assignLocked(&e)
	}
	return nil
}

func (m *Memory) assignLocked(e *Entry) {
	if m.partitions <= 0 {
		return
	}
	if len(m.centroids) < m.partitions && (len(m.centroids) == 0 || len(m.centroids[0]) == len(e.Vector)) {
		m.centroids = append(m.centroids, e.Vector)
		m.buckets = append(m.buckets, map[string]struct{}{})
	}
	b := m.nearestLocked(e.Vector, 1)
	if len(b) == 0 {
		return
	}
	m.buckets[b[0]][e.ID] = struct{}{}
	m.bucketOf[e.ID] = b[0]
}

// nearestLocked returns the indexes of the n centroids closest to v.
func (m *Memory) nearestLocked(v []float32, n int) []int {
	type scored struct {
		i     int
		score float64
	}
	all := make([]scored, 0, len(m.centroids))
	for i, c := range m.centroids {
		if len(c) != len(v) {
			continue
		}
		all = append(all, scored{i, textutil.Dot(c, v)})
	}
	// 分区数很小，插入排序即可
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score > all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if n > len(all) {
		n = len(all)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].i
	}
	return out
}

func (m *Memory) removeLocked(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	if docs, ok := m.byDocument[e.DocumentID]; ok {
		delete(docs, id)
		if len(docs) == 0 {
			delete(m.byDocument, e.DocumentID)
		}
	}
	if b, ok := m.bucketOf[id]; ok {
		delete(m.buckets[b], id)
		delete(m.bucketOf, id)
	}
}

// DeleteDocument removes every entry of a document.
func (m *Memory) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byDocument[documentID] {
		m.removeLocked(id)
	}
	return nil
}

// Search returns the best q.K matching entries.
func (m *Memory) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.K <= 0 || len(q.Vector) == 0 {
		return []Hit{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := textutil.Normalize(q.Vector)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	score := func(e *Entry) {
		if len(e.Vector) != len(v) || !q.matches(e) {
			return
		}
		hits = append(hits, Hit{
			ID:         e.ID,
			DocumentID: e.DocumentID,
			Ordinal:    e.Ordinal,
			Kind:       e.Kind,
			Model:      e.Model,
			Score:      textutil.Dot(e.Vector, v),
		})
	}

	switch {
	case m.partitions > 0 && len(m.centroids) > 0:
		order := m.nearestLocked(v, len(m.centroids))
		for probed, b := range order {
			for id := range m.buckets[b] {
				score(m.entries[id])
			}
			if probed+1 >= m.nprobe && len(hits) >= q.K {
				break
			}
		}
	case len(q.DocumentIDs) > 0:
		seen := make(map[string]bool, len(q.DocumentIDs))
		for _, doc := range q.DocumentIDs {
			if seen[doc] {
				continue
			}
			seen[doc] = true
			for id := range m.byDocument[doc] {
				score(m.entries[id])
			}
		}
	default:
		for _, e := range m.entries {
			score(e)
		}
	}

	SortHits(hits)
	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}
