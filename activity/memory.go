package activity

import "sync"

// MemoryLog keeps entries in process. Used by the in-memory gateway and tests.
type MemoryLog struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string][]Entry)}
}

// Append assigns the next sequence number for the agreement and stores entry.
func (l *MemoryLog) Append(entry Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.entries[entry.AgreementID]
	entry.Seq = int64(len(existing)) + 1
	l.entries[entry.AgreementID] = append(existing, entry)
	return entry
}

// List mirrors PGLog.List: the newest limit entries, oldest first.
func (l *MemoryLog) List(agreementID string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	all := l.entries[agreementID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	copy(out, all)
	return out
}
