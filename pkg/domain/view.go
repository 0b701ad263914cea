package domain

import (
	"sort"
	"strings"
	"time"
)

// View is an immutable, deep-copied picture of engine state as of the most
// recently completed tick. Renderers consume it without touching the engine.
type View struct {
	Study          Study
	Ticks          int64
	AsOf           time.Time
	Running        bool
	IntervalMS     int64
	Subjects       []Subject
	VisitPlans     map[string][]VisitPlanEntry
	Templates      []VisitTemplate
	VisitSummaries []VisitSummary
	VisitFormMap   map[string][]string
	FormSummaries  []FormSummary
	AuditFields    []string
	Rules          map[string]ValueRule

	// AuditHighWater is the last audit record id written by the captured
	// tick. AuditGeneration changes every time the ledger is reset.
	AuditHighWater  int64
	AuditGeneration int64
}

// SortedVisitSummaries orders visits by planned day, then key.
func (v View) SortedVisitSummaries() []VisitSummary {
	out := append([]VisitSummary(nil), v.VisitSummaries...)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].DayOffset.Normalized(), out[j].DayOffset.Normalized()
		if di == dj {
			return out[i].Key < out[j].Key
		}
		return di < dj
	})
	return out
}

// SortedFormSummaries orders forms by OID with sorted visit keys.
func (v View) SortedFormSummaries() []FormSummary {
	out := make([]FormSummary, 0, len(v.FormSummaries))
	for _, f := range v.FormSummaries {
		keys := append([]string(nil), f.VisitKeys...)
		sort.Strings(keys)
		f.VisitKeys = keys
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out
}

// FormsForVisit returns the sorted form OIDs used under a visit key.
func (v View) FormsForVisit(visitKey string) []string {
	out := append([]string(nil), v.VisitFormMap[visitKey]...)
	sort.Strings(out)
	return out
}

// CurrentVisit resolves the plan entry a subject is positioned on, falling
// back to the shared templates when the plan is empty. ok is false when
// neither source has any visit.
func (v View) CurrentVisit(s Subject) (VisitPlanEntry, bool) {
	if plan := v.VisitPlans[s.Key]; len(plan) > 0 {
		idx := s.VisitIndex
		if idx < 0 || idx >= len(plan) {
			idx = len(plan) - 1
		}
		return plan[idx], true
	}
	if len(v.Templates) == 0 {
		return VisitPlanEntry{}, false
	}
	idx := s.VisitIndex
	if idx < 0 || idx >= len(v.Templates) {
		idx = len(v.Templates) - 1
	}
	t := v.Templates[idx]
	return VisitPlanEntry{Name: t.Name, DayOffset: t.DayOffset, Forms: t.Forms}, true
}

// AuditQuery selects a page of audit records. A zero Generation reads the
// live ledger; otherwise records after MaxID are left out.
type AuditQuery struct {
	StartID    int64
	PerPage    int
	FormOID    string
	MaxID      int64
	Generation int64
}

// BoundAudit limits q to the ledger as it stood when the view was captured,
// so audit pages agree with the rest of the view.
func (v View) BoundAudit(q AuditQuery) AuditQuery {
	q.MaxID = v.AuditHighWater
	q.Generation = v.AuditGeneration
	return q
}

// MatchesForm reports whether a field OID belongs to the form OID prefix. An
// empty form matches everything.
func MatchesForm(fieldOID, formOID string) bool {
	if formOID == "" {
		return true
	}
	return fieldOID == formOID || strings.HasPrefix(fieldOID, formOID+".")
}
