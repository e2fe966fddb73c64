// The adaptive strategy blends recency and frequency: each entry gets a recency rank (0 = least
// recently accessed) and a frequency rank (0 = least accessed), and the victim is the entry with
// the lowest weighted rank sum. With the default 0.5/0.5 weights it behaves halfway between LRU
// and LFU; shifting the recency weight moves it toward either extreme.

package cache

import (
	"slices"
)

type adaptiveStrategy[V any] struct { // Implements strategy.
	recencyWeight float64 // Frequency gets the complement weight.
}

func (s *adaptiveStrategy[V]) onInsert(*entry[V]) {}
func (s *adaptiveStrategy[V]) onAccess(*entry[V]) {}
func (s *adaptiveStrategy[V]) onRemove(string)    {}
func (s *adaptiveStrategy[V]) reset()             {}

func (s *adaptiveStrategy[V]) victim(entries map[string]*entry[V]) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}

	ordered := make([]*entry[V], 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}

	// Recency ranks: the least recently accessed entry gets rank 0.
	slices.SortFunc(ordered, func(a, b *entry[V]) int {
		if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
			return a.lastAccessedAt.Compare(b.lastAccessedAt)
		}
		if olderThan(a, b) {
			return -1
		}
		return 1
	})
	recencyRank := make(map[string]int, len(ordered))
	for rank, e := range ordered {
		recencyRank[e.key] = rank
	}

	// Frequency ranks: the least accessed entry gets rank 0.
	slices.SortFunc(ordered, func(a, b *entry[V]) int {
		if a.accessCount != b.accessCount {
			if a.accessCount < b.accessCount {
				return -1
			}
			return 1
		}
		if olderThan(a, b) {
			return -1
		}
		return 1
	})
	frequencyRank := make(map[string]int, len(ordered))
	for rank, e := range ordered {
		frequencyRank[e.key] = rank
	}

	frequencyWeight := 1.0 - s.recencyWeight
	return scanVictim(entries, func(e *entry[V]) float64 {
		return s.recencyWeight*float64(recencyRank[e.key]) + frequencyWeight*float64(frequencyRank[e.key])
	})
}
