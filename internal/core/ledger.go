package core

import (
	"sync"
	"time"

	"ravesim/pkg/domain"
)

// Ledger is the append-only audit log. IDs start at 1 and increase by one per
// append until Reset. Each Reset starts a new generation.
type Ledger struct {
	mu         sync.RWMutex
	records    []domain.AuditRecord
	nextID     int64
	generation int64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{nextID: 1, generation: 1}
}

// Append records a field change and returns the stored record.
func (l *Ledger) Append(user, fieldOID, oldValue, newValue string, at time.Time) domain.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := domain.AuditRecord{
		ID:        l.nextID,
		User:      user,
		FieldOID:  fieldOID,
		OldValue:  oldValue,
		NewValue:  newValue,
		Timestamp: at,
	}
	l.nextID++
	l.records = append(l.records, rec)
	return rec
}

// Query returns up to q.PerPage records in ID order with ID >= q.StartID
// whose field OID matches q.FormOID. A query carrying a Generation is bound
// to view time and stops after q.MaxID. A non-positive PerPage returns nothing.
func (l *Ledger) Query(q domain.AuditQuery) []domain.AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if q.PerPage <= 0 {
		return nil
	}
	out := make([]domain.AuditRecord, 0, min(q.PerPage, len(l.records)))
	for _, rec := range l.records {
		if q.Generation != 0 && rec.ID > q.MaxID {
			break
		}
		if rec.ID < q.StartID || !domain.MatchesForm(rec.FieldOID, q.FormOID) {
			continue
		}
		out = append(out, rec)
		if len(out) == q.PerPage {
			break
		}
	}
	return out
}

// HighWater returns the id of the last appended record, or 0 when empty.
func (l *Ledger) HighWater() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// Generation identifies the ledger contents since the last Reset.
func (l *Ledger) Generation() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// Len reports the number of stored records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Reset clears all records and restarts IDs at 1.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.nextID = 1
	l.generation++
}
