package repository

import (
	"context"
	"sync"
	"time"

	"github.com/openrepo/editsync/cmd/editsync/models"
)

// MemoryJournal keeps a bounded submit history per resource when no database is configured
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]*models.JournalEntry
	keep    int
}

// NewMemoryJournal keeps at most keep entries per resource
func NewMemoryJournal(keep int) *MemoryJournal {
	if keep <= 0 {
		keep = 100
	}
	return &MemoryJournal{entries: make(map[string][]*models.JournalEntry), keep: keep}
}

// Record appends entry
func (j *MemoryJournal) Record(_ context.Context, entry *models.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	list := append(j.entries[entry.ResourceURL], entry)
	if len(list) > j.keep {
		list = list[len(list)-j.keep:]
	}
	j.entries[entry.ResourceURL] = list
	return nil
}

// ListByResource returns the newest entries for a resource first
func (j *MemoryJournal) ListByResource(_ context.Context, resourceURL string, limit int) ([]*models.JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	list := j.entries[resourceURL]
	out := make([]*models.JournalEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
