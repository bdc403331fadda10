package memory

import (
	"fmt"
	"sync"
)

// ProviderID is the toolset id under which recall is advertised to the
// model. Tool responses answering this provider are exempt from
// trimming, otherwise recalled text would immediately be trimmed away
// again.
const ProviderID = "temporal-memory"

// markerPrefix starts every trim marker. A tool response already
// carrying one is never re-trimmed; re-trimming would overwrite the
// stored original with the preview.
const markerPrefix = "[temporal-memory_recall("

// RecallMarker renders the marker appended to a trimmed tool response.
func RecallMarker(key string) string {
	return fmt.Sprintf("%s%s)]", markerPrefix, key)
}

// TemporalStore maps message ids to the full text of trimmed tool
// responses. The refiner writes it; the recall tool reads it.
type TemporalStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewTemporalStore() *TemporalStore {
	return &TemporalStore{entries: make(map[string]string)}
}

// Put stores text under key. Overwrites are idempotent.
func (t *TemporalStore) Put(key, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = text
}

// Get resolves each key to its stored text, nil when absent.
func (t *TemporalStore) Get(keys []string) map[string]*string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*string, len(keys))
	for _, k := range keys {
		if text, ok := t.entries[k]; ok {
			v := text
			out[k] = &v
		} else {
			out[k] = nil
		}
	}
	return out
}

// Forget removes the listed keys, returning how many existed.
func (t *TemporalStore) Forget(keys []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, k := range keys {
		if _, ok := t.entries[k]; ok {
			delete(t.entries, k)
			count++
		}
	}
	return count
}

// Keys lists the stored keys in no particular order.
func (t *TemporalStore) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	return out
}

// Len reports the number of stored entries.
func (t *TemporalStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
