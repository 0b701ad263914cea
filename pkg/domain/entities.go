// Package domain defines the persistent entities, value types, and snapshot
// contracts shared by the ravesim simulation engine and its renderers.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TimestampLayout formats snapshot instants in UTC with exactly three
// fractional digits, e.g. 2024-03-01T12:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// SubjectStatus captures whether a subject is still participating in the study.
type SubjectStatus string

// Canonical subject statuses.
const (
	// SubjectActive marks a subject still being visited by the tick engine.
	SubjectActive SubjectStatus = "Active"
	// SubjectInactive marks a subject that completed or left the study.
	SubjectInactive SubjectStatus = "Inactive"
)

// VisitStatus enumerates the outcome of a subject's most recent visit evaluation.
type VisitStatus string

// Canonical visit statuses produced by the tick engine.
const (
	VisitScheduled VisitStatus = "Scheduled"
	VisitCompleted VisitStatus = "Completed"
	VisitMissed    VisitStatus = "Missed"
	VisitDelayed   VisitStatus = "Delayed"
	VisitPartial   VisitStatus = "Partial"
)

// Valid reports whether the status is one of the canonical values. The empty
// status is valid and means no visit has been evaluated yet.
func (s VisitStatus) Valid() bool {
	switch s {
	case "", VisitScheduled, VisitCompleted, VisitMissed, VisitDelayed, VisitPartial:
		return true
	default:
		return false
	}
}

// Site describes an investigator site enrolling subjects.
type Site struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// Subject is a single enrolled participant and its simulation state.
type Subject struct {
	Key          string            `json:"key"`
	Site         string            `json:"site"`
	SiteName     string            `json:"siteName,omitempty"`
	Status       SubjectStatus     `json:"status"`
	Progress     int               `json:"progress"`
	VisitIndex   int               `json:"visitIndex"`
	VisitStatus  VisitStatus       `json:"visitStatus,omitempty"`
	DelayedUntil *time.Time        `json:"delayedUntil"`
	FieldValues  map[string]string `json:"fieldValues"`
}

type subjectFields Subject

// MarshalJSON writes DelayedUntil in TimestampLayout.
func (s Subject) MarshalJSON() ([]byte, error) {
	var delayed *string
	if s.DelayedUntil != nil {
		v := s.DelayedUntil.UTC().Format(TimestampLayout)
		delayed = &v
	}
	return json.Marshal(struct {
		subjectFields
		DelayedUntil *string `json:"delayedUntil"`
	}{subjectFields: subjectFields(s), DelayedUntil: delayed})
}

// UnmarshalJSON accepts any RFC 3339 DelayedUntil, with or without
// fractional seconds.
func (s *Subject) UnmarshalJSON(b []byte) error {
	aux := struct {
		*subjectFields
		DelayedUntil *string `json:"delayedUntil"`
	}{subjectFields: (*subjectFields)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.DelayedUntil = nil
	if aux.DelayedUntil != nil {
		t, err := time.Parse(time.RFC3339Nano, *aux.DelayedUntil)
		if err != nil {
			return fmt.Errorf("subject %s: delayedUntil: %w", s.Key, err)
		}
		t = t.UTC()
		s.DelayedUntil = &t
	}
	return nil
}

// Clone returns a deep copy of the subject.
func (s Subject) Clone() Subject {
	out := s
	if s.DelayedUntil != nil {
		t := *s.DelayedUntil
		out.DelayedUntil = &t
	}
	out.FieldValues = make(map[string]string, len(s.FieldValues))
	for k, v := range s.FieldValues {
		out.FieldValues[k] = v
	}
	return out
}

// FormRef names a form collected during a visit.
type FormRef struct {
	OID  string `json:"oid"`
	Name string `json:"name"`
}

// DayOffset is a planned study day. Non-finite values are carried in memory
// but encode as JSON null and render as day zero.
type DayOffset float64

// Normalized returns the offset as a finite number, substituting zero for NaN
// and infinities.
func (d DayOffset) Normalized() float64 {
	f := float64(d)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// MarshalJSON encodes non-finite offsets as null.
func (d DayOffset) MarshalJSON() ([]byte, error) {
	f := float64(d)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// UnmarshalJSON decodes null as zero.
func (d *DayOffset) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*d = DayOffset(f)
	return nil
}

// VisitTemplate is a shared, ordered visit definition.
type VisitTemplate struct {
	Name      string    `json:"name"`
	DayOffset DayOffset `json:"dayOffset"`
	Forms     []FormRef `json:"forms"`
}

// VisitPlanEntry is one materialized visit in a subject's plan.
type VisitPlanEntry struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	DayOffset DayOffset `json:"dayOffset"`
	Forms     []FormRef `json:"forms"`
}

// Clone returns a deep copy of the entry.
func (v VisitPlanEntry) Clone() VisitPlanEntry {
	out := v
	out.Forms = append([]FormRef(nil), v.Forms...)
	return out
}

// AuditRecord is an immutable log entry for one field-value change.
type AuditRecord struct {
	ID        int64     `json:"id"`
	User      string    `json:"user"`
	FieldOID  string    `json:"fieldOid"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	Timestamp time.Time `json:"timestamp"`
}

// VisitSummary aggregates how many subjects carry a visit key in their plan.
type VisitSummary struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	DayOffset    DayOffset `json:"dayOffset"`
	SubjectCount int       `json:"subjectCount"`
}

// FormSummary aggregates form usage across all subject plans.
type FormSummary struct {
	OID          string   `json:"oid"`
	Name         string   `json:"name"`
	SubjectCount int      `json:"subjectCount"`
	VisitKeys    []string `json:"visitKeys"`
}
