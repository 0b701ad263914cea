package domain

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestParseStudyOID(t *testing.T) {
	project, env, ok := ParseStudyOID("Mediflex(Prod)")
	if !ok || project != "Mediflex" || env != "Prod" {
		t.Fatalf("unexpected parse %q %q %v", project, env, ok)
	}
	if BuildStudyOID(project, env) != "Mediflex(Prod)" {
		t.Fatalf("build did not round trip")
	}
	for _, bad := range []string{"", "Mediflex", "Mediflex()", "(Prod)", "Mediflex(Prod"} {
		if _, _, ok := ParseStudyOID(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestNewValueRule(t *testing.T) {
	rule, err := NewValueRule("Enum", []string{"A", "B"}, nil, nil, "")
	if err != nil || rule.Kind() != "enum" {
		t.Fatalf("enum: %v %v", rule, err)
	}
	rule, err = NewValueRule("number", nil, intPtr(1), intPtr(3), "")
	if err != nil {
		t.Fatalf("number: %v", err)
	}
	if r, ok := rule.(RangeRule); !ok || r.Min != 1 || r.Max != 3 {
		t.Fatalf("unexpected range rule %#v", rule)
	}
	if _, err := NewValueRule("string", nil, nil, nil, "SUBJ-{n}"); err != nil {
		t.Fatalf("string: %v", err)
	}

	failures := []struct {
		name    string
		kind    string
		values  []string
		min     *int
		max     *int
		pattern string
	}{
		{name: "empty enum", kind: "enum"},
		{name: "missing range", kind: "number", min: intPtr(1)},
		{name: "inverted range", kind: "number", min: intPtr(5), max: intPtr(2)},
		{name: "pattern without placeholder", kind: "string", pattern: "SUBJ"},
		{name: "unknown kind", kind: "date"},
	}
	for _, tc := range failures {
		if _, err := NewValueRule(tc.kind, tc.values, tc.min, tc.max, tc.pattern); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestIsSexField(t *testing.T) {
	for _, oid := range []string{"SEX", "DM.SEX", "dm.sex"} {
		if !IsSexField(oid) {
			t.Fatalf("expected %q to be a sex field", oid)
		}
	}
	for _, oid := range []string{"SEXUAL", "DM.SEX.X", "AGE"} {
		if IsSexField(oid) {
			t.Fatalf("did not expect %q to be a sex field", oid)
		}
	}
}

func TestMatchesForm(t *testing.T) {
	cases := []struct {
		field, form string
		want        bool
	}{
		{"DM.AGE", "", true},
		{"DM.AGE", "DM", true},
		{"DM", "DM", true},
		{"DMX.AGE", "DM", false},
		{"VS.HR", "DM", false},
	}
	for _, tc := range cases {
		if got := MatchesForm(tc.field, tc.form); got != tc.want {
			t.Fatalf("MatchesForm(%q, %q) = %v", tc.field, tc.form, got)
		}
	}
}

func TestDayOffsetNonFinite(t *testing.T) {
	if got := DayOffset(math.NaN()).Normalized(); got != 0 {
		t.Fatalf("NaN normalized to %v", got)
	}
	if got := DayOffset(math.Inf(1)).Normalized(); got != 0 {
		t.Fatalf("+Inf normalized to %v", got)
	}
	raw, err := json.Marshal(VisitTemplate{Name: "Screening", DayOffset: DayOffset(math.NaN())})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"dayOffset":null`) {
		t.Fatalf("expected null offset, got %s", raw)
	}
	var back VisitTemplate
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.DayOffset != 0 {
		t.Fatalf("expected null to decode as 0, got %v", back.DayOffset)
	}
}

func TestSubjectCloneIsDeep(t *testing.T) {
	until := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := Subject{Key: "1001", DelayedUntil: &until, FieldValues: map[string]string{"DM.AGE": "40"}}
	c := s.Clone()
	c.FieldValues["DM.AGE"] = "41"
	*c.DelayedUntil = until.Add(time.Hour)
	if s.FieldValues["DM.AGE"] != "40" || !s.DelayedUntil.Equal(until) {
		t.Fatalf("clone shares state with original: %+v", s)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := Snapshot{
		Subjects: []Subject{{Key: "1001", Site: "001", Status: SubjectActive, Progress: 10, VisitStatus: VisitCompleted}},
		VisitPlans: map[string][]VisitPlanEntry{
			"1001": {{Key: "Screening#0", Name: "Screening", DayOffset: 0}},
		},
		VisitFormMap: map[string][]string{"Screening#0": {"VS", "DM"}},
	}
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Version != SchemaVersion || len(back.Subjects) != 1 || back.Subjects[0].Progress != 10 {
		t.Fatalf("unexpected snapshot %+v", back)
	}
	if back.Subjects[0].FieldValues == nil {
		t.Fatalf("expected field values to be initialized")
	}
	if got := back.VisitFormMap["Screening#0"]; len(got) != 2 || got[0] != "DM" {
		t.Fatalf("expected sorted form map, got %v", got)
	}
}

func TestSnapshotDelayedUntilHasFixedMilliseconds(t *testing.T) {
	whole := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	frac := time.Date(2024, 3, 1, 12, 0, 0, 120_000_000, time.FixedZone("CET", 3600))
	raw, err := EncodeSnapshot(Snapshot{Subjects: []Subject{
		{Key: "1001", DelayedUntil: &whole},
		{Key: "1002", DelayedUntil: &frac},
		{Key: "1003"},
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, want := range []string{
		`"delayedUntil": "2024-03-01T12:00:00.000Z"`,
		`"delayedUntil": "2024-03-01T11:00:00.120Z"`,
		`"delayedUntil": null`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %s in:\n%s", want, raw)
		}
	}
	back, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d := back.Subjects[1].DelayedUntil; d == nil || !d.Equal(frac) || d.Location() != time.UTC {
		t.Fatalf("unexpected decoded delay %v", d)
	}
	if back.Subjects[2].DelayedUntil != nil {
		t.Fatalf("expected nil delay, got %v", back.Subjects[2].DelayedUntil)
	}
}

func TestDecodeSnapshotAcceptsNanosecondDelays(t *testing.T) {
	payload := `{"version":1,"subjects":[{"key":"1001","delayedUntil":"2024-03-01T12:00:00.123456789Z"}]}`
	snap, err := DecodeSnapshot([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d := snap.Subjects[0].DelayedUntil; d == nil || d.Nanosecond() != 123456789 {
		t.Fatalf("unexpected delay %v", d)
	}
	if _, err := DecodeSnapshot([]byte(`{"version":1,"subjects":[{"key":"1001","delayedUntil":"soon"}]}`)); err == nil {
		t.Fatalf("expected malformed delay to be rejected")
	}
}

func TestDecodeSnapshotRejectsOtherVersions(t *testing.T) {
	for _, payload := range []string{`{"subjects":[]}`, `{"version":2}`} {
		if _, err := DecodeSnapshot([]byte(payload)); !errors.Is(err, ErrSchemaMismatch) {
			t.Fatalf("%s: expected ErrSchemaMismatch, got %v", payload, err)
		}
	}
	if _, err := DecodeSnapshot([]byte(`{`)); err == nil || errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected a parse error, got %v", err)
	}
	bad := `{"version":1,"subjects":[{"key":"1001","visitStatus":"Lost"}]}`
	if _, err := DecodeSnapshot([]byte(bad)); err == nil {
		t.Fatalf("expected invalid visit status to be rejected")
	}
}

func TestViewOrdering(t *testing.T) {
	v := View{
		VisitSummaries: []VisitSummary{
			{Key: "b", DayOffset: 7},
			{Key: "a", DayOffset: 7},
			{Key: "z", DayOffset: DayOffset(math.NaN())},
		},
		FormSummaries: []FormSummary{
			{OID: "VS", VisitKeys: []string{"b", "a"}},
			{OID: "DM"},
		},
		VisitFormMap: map[string][]string{"a": {"VS", "DM"}},
	}
	visits := v.SortedVisitSummaries()
	if visits[0].Key != "z" || visits[1].Key != "a" || visits[2].Key != "b" {
		t.Fatalf("unexpected visit order %+v", visits)
	}
	forms := v.SortedFormSummaries()
	if forms[0].OID != "DM" || forms[1].VisitKeys[0] != "a" {
		t.Fatalf("unexpected form order %+v", forms)
	}
	if got := v.FormsForVisit("a"); got[0] != "DM" || v.VisitFormMap["a"][0] != "VS" {
		t.Fatalf("FormsForVisit must sort a copy, got %v", got)
	}
}

func TestCurrentVisit(t *testing.T) {
	v := View{
		VisitPlans: map[string][]VisitPlanEntry{
			"1001": {{Key: "Screening#0", Name: "Screening"}, {Key: "Baseline#1", Name: "Baseline"}},
		},
		Templates: []VisitTemplate{{Name: "Screening"}, {Name: "Week 1", DayOffset: 7}},
	}
	if e, ok := v.CurrentVisit(Subject{Key: "1001", VisitIndex: 9}); !ok || e.Name != "Baseline" {
		t.Fatalf("expected clamp to last plan entry, got %+v %v", e, ok)
	}
	if e, ok := v.CurrentVisit(Subject{Key: "1002", VisitIndex: 1}); !ok || e.Name != "Week 1" {
		t.Fatalf("expected template fallback, got %+v %v", e, ok)
	}
	if _, ok := (View{}).CurrentVisit(Subject{Key: "1001"}); ok {
		t.Fatalf("expected no visit without plans or templates")
	}
}

func TestVisitStatusValid(t *testing.T) {
	for _, s := range []VisitStatus{"", VisitScheduled, VisitCompleted, VisitMissed, VisitDelayed, VisitPartial} {
		if !s.Valid() {
			t.Fatalf("expected %q to be valid", s)
		}
	}
	if VisitStatus("Lost").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}
