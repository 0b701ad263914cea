package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// SchemaVersion is the snapshot layout version written by this engine.
const SchemaVersion = 1

// ErrSchemaMismatch reports a snapshot written with a different layout version.
var ErrSchemaMismatch = errors.New("snapshot schema version mismatch")

// Snapshot is the durable form of the engine roster, plans and aggregates.
// Field names are part of the on-disk contract.
type Snapshot struct {
	Version        int                         `json:"version"`
	Subjects       []Subject                   `json:"subjects"`
	VisitPlans     map[string][]VisitPlanEntry `json:"visitPlans"`
	VisitSummaries []VisitSummary              `json:"visitSummaries"`
	VisitFormMap   map[string][]string         `json:"visitFormMap"`
	FormSummaries  []FormSummary               `json:"formSummaries"`
}

// EncodeSnapshot serializes a snapshot with the current schema version.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	s.Version = SchemaVersion
	for key, forms := range s.VisitFormMap {
		sorted := append([]string(nil), forms...)
		sort.Strings(sorted)
		s.VisitFormMap[key] = sorted
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// DecodeSnapshot parses and validates a persisted payload. A payload whose
// version tag is missing or different yields ErrSchemaMismatch.
func DecodeSnapshot(payload []byte) (Snapshot, error) {
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if header.Version == nil || *header.Version != SchemaVersion {
		found := "missing"
		if header.Version != nil {
			found = fmt.Sprint(*header.Version)
		}
		return Snapshot{}, fmt.Errorf("%w: found %s, want %d", ErrSchemaMismatch, found, SchemaVersion)
	}
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	for i := range s.Subjects {
		if s.Subjects[i].FieldValues == nil {
			s.Subjects[i].FieldValues = make(map[string]string)
		}
		if !s.Subjects[i].VisitStatus.Valid() {
			return Snapshot{}, fmt.Errorf("decode snapshot: subject %s has invalid visit status %q", s.Subjects[i].Key, s.Subjects[i].VisitStatus)
		}
	}
	if s.VisitPlans == nil {
		s.VisitPlans = make(map[string][]VisitPlanEntry)
	}
	if s.VisitFormMap == nil {
		s.VisitFormMap = make(map[string][]string)
	}
	return s, nil
}
