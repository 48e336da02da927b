package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-memory, thread-safe Log implementation.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryLog creates a MemoryLog seeded with the chain anchor entry at
// index 0.
func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{}
	seed := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Kind:      "chain_init",
		DataHash:  ChainAnchor,
		PrevHash:  ChainAnchor,
		Hash:      ChainAnchor, // seed hash is the well-known constant, not computed
	}
	l.entries = append(l.entries, seed)
	return l
}

// Record implements Sink.
func (l *MemoryLog) Record(_ context.Context, ev Event) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	detailJSON, err := json.Marshal(ev.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshal event detail: %w", err)
	}

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:      len(l.entries),
		Timestamp:  time.Now().UTC(),
		Kind:       ev.Kind,
		RootID:     ev.RootID,
		DeviceID:   ev.DeviceID,
		WitnessIDs: append([]string(nil), ev.WitnessIDs...),
		Reason:     ev.Reason,
		DataHash:   sha256Sum(detailJSON),
		PrevHash:   prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return l.entries[index], nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != ChainAnchor {
				return fmt.Errorf("seed entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
