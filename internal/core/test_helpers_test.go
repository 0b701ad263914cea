package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ravesim/pkg/domain"
)

var testStudy = domain.Study{
	OID:                "Mediflex(Prod)",
	ProjectName:        "Mediflex",
	Environment:        "Prod",
	Name:               "Mediflex",
	MetadataVersionOID: "1",
}

var threeVisits = []domain.VisitTemplate{
	{Name: "Screening", DayOffset: 0, Forms: []domain.FormRef{{OID: "DM", Name: "Demographics"}}},
	{Name: "Week 1", DayOffset: 7, Forms: []domain.FormRef{{OID: "VS", Name: "Vital Signs"}, {OID: "AE", Name: "Adverse Events"}}},
	{Name: "Week 2", DayOffset: 14, Forms: []domain.FormRef{{OID: "VS", Name: "Vital Signs"}}},
}

// scriptedRandom replays values in order, then repeats fallback.
type scriptedRandom struct {
	mu       sync.Mutex
	values   []float64
	fallback float64
}

func (s *scriptedRandom) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return s.fallback
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *recordingLogger) has(level, fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, fragment) {
			return true
		}
	}
	return false
}

// failingStore fails every save and reports an empty location on load.
type failingStore struct {
	saves int
}

func (s *failingStore) Load(context.Context) ([]byte, error) { return nil, domain.ErrSnapshotNotFound }
func (s *failingStore) Save(context.Context, []byte) error {
	s.saves++
	return errors.New("disk full")
}
func (s *failingStore) Delete(context.Context) error { return nil }
func (s *failingStore) Close() error                 { return nil }

func testSettings(mutate func(*Settings)) Settings {
	s := DefaultSettings()
	s.Templates = threeVisits
	s.BatchPercentage = 100
	if mutate != nil {
		mutate(&s)
	}
	return s
}

func newTestEngine(t *testing.T, settings Settings, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(testStudy, settings, opts...)
	e.Initialize(context.Background())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustTick(t *testing.T, e *Engine) TickResult {
	t.Helper()
	res, err := e.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return res
}

func mustView(t *testing.T, e *Engine) domain.View {
	t.Helper()
	v, err := e.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return v
}

func subjectByKey(t *testing.T, v domain.View, key string) domain.Subject {
	t.Helper()
	for _, s := range v.Subjects {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("subject %s not found", key)
	return domain.Subject{}
}

func allAudits(t *testing.T, e *Engine) []domain.AuditRecord {
	t.Helper()
	recs, err := e.AuditPage(domain.AuditQuery{StartID: 0, PerPage: 1 << 20})
	if err != nil {
		t.Fatalf("audit page: %v", err)
	}
	return recs
}

func describe(recs []domain.AuditRecord) string {
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%d:%s:%s:%s->%s@%s\n", r.ID, r.User, r.FieldOID, r.OldValue, r.NewValue, r.Timestamp.Format(time.RFC3339Nano))
	}
	return b.String()
}
