package core

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"ravesim/pkg/domain"
)

// TickResult summarizes one tick.
type TickResult struct {
	Tick         int64
	Now          time.Time
	Processed    int
	Skipped      int
	AuditCreated int
	Outcomes     map[domain.VisitStatus]int
}

// Status is a point-in-time summary of an engine.
type Status struct {
	StudyOID      string
	Initialized   bool
	Restored      bool
	Ticks         int64
	TotalSubjects int
	AuditRecords  int
	Running       bool
	Interval      time.Duration
}

// Engine owns one study's roster, audit ledger and tick counter. Ticks,
// resets and reads are serialized by a single mutex, so an in-progress tick
// (including its persistence attempt) is never observed half-applied.
type Engine struct {
	study    domain.Study
	settings Settings

	clock   Clock
	logger  Logger
	rng     Random
	metrics MetricsRecorder
	tracer  Tracer
	store   domain.SnapshotStore

	mu          sync.Mutex
	initialized bool
	restored    bool
	pop         *population
	ledger      *Ledger
	ticks       int64
	asOf        time.Time

	timerMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine constructs an engine for study. Initialize must be called before
// ticking or reading state.
func NewEngine(study domain.Study, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		study:    study,
		settings: settings,
		clock:    systemClock{},
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		tracer:   noopTracer{},
		ledger:   NewLedger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = NewSeededRandom(settings.Seed)
	}
	return e
}

// Study returns the study this engine simulates.
func (e *Engine) Study() domain.Study { return e.study }

// Settings returns the engine configuration.
func (e *Engine) Settings() Settings { return e.settings }

// Initialize seeds the roster, restoring from the snapshot store unless the
// settings request a fresh seed. Unreadable snapshots fall back to a fresh
// seed with a warning.
func (e *Engine) Initialize(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "initialize")
	started := time.Now()
	e.mu.Lock()
	e.seed(ctx, e.settings.FreshSeed)
	e.initialized = true
	e.asOf = e.simulatedNow()
	e.mu.Unlock()
	span.End(nil)
	e.metrics.Observe(ctx, "initialize", true, time.Since(started))
}

func (e *Engine) simulatedNow() time.Time {
	wall := e.clock.Now()
	ms := math.Floor(float64(wall.UnixMilli()) * e.settings.speed())
	return time.UnixMilli(int64(ms)).UTC()
}

func (e *Engine) seed(ctx context.Context, fresh bool) {
	e.restored = false
	if e.store != nil && !fresh {
		if pop, ok := e.restore(ctx); ok {
			e.pop = pop
			e.restored = true
			e.logSimulator("restored subjects from persisted state", "study", e.study.OID, "subjects", len(pop.subjects))
			return
		}
	}
	if e.store != nil && fresh {
		if err := e.store.Delete(ctx); err != nil {
			e.logger.Warn("failed to delete persisted simulator state", "study", e.study.OID, "error", err)
		}
	}
	e.pop = seedPopulation(e.settings)
	e.logSimulator("seeded subjects", "study", e.study.OID, "subjects", len(e.pop.subjects), "sites", max(1, e.settings.Sites))
	e.persist(ctx)
}

func (e *Engine) restore(ctx context.Context) (*population, bool) {
	payload, err := e.store.Load(ctx)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return nil, false
	}
	if err != nil {
		e.logger.Warn("failed to load simulator state", "study", e.study.OID, "error", err)
		return nil, false
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, false
	}
	snap, err := domain.DecodeSnapshot(payload)
	if err != nil {
		if errors.Is(err, domain.ErrSchemaMismatch) {
			e.logger.Warn("ignoring persisted simulator state", "study", e.study.OID, "error", err)
		} else {
			e.logger.Warn("failed to load simulator state", "study", e.study.OID, "error", err)
		}
		return nil, false
	}
	return populationFromSnapshot(snap), true
}

// persist makes exactly one save attempt; failures are logged and counted.
func (e *Engine) persist(ctx context.Context) {
	if e.store == nil || e.pop == nil {
		return
	}
	started := time.Now()
	payload, err := domain.EncodeSnapshot(e.pop.snapshot())
	if err == nil {
		err = e.store.Save(ctx, payload)
	}
	if err != nil {
		e.logger.Warn("failed to persist simulator state", "study", e.study.OID, "error", err)
	}
	e.metrics.Observe(ctx, "persist", err == nil, time.Since(started))
}

// Restored reports whether the current roster came from a persisted snapshot.
func (e *Engine) Restored() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restored
}

// Tick advances a rotating batch of subjects by one visit evaluation each,
// then persists a snapshot.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := e.tracer.Start(ctx, "tick")
	started := time.Now()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		span.End(ErrNotInitialized)
		e.metrics.Observe(ctx, "tick", false, time.Since(started))
		return TickResult{}, ErrNotInitialized
	}
	res := e.advance()
	e.ticks++
	res.Tick = e.ticks
	e.asOf = res.Now
	e.persist(ctx)
	e.mu.Unlock()

	e.logSimulator("tick complete", "study", e.study.OID, "tick", res.Tick, "processed", res.Processed, "audits", res.AuditCreated)
	if e.settings.LogGenerator {
		e.logger.Info("generator batch", "study", e.study.OID, "processed", res.Processed, "audits", res.AuditCreated)
	}
	span.End(nil)
	e.metrics.Observe(ctx, "tick", true, time.Since(started))
	if obs, ok := e.metrics.(TickObserver); ok {
		obs.ObserveTick(ctx, e.study.OID, res)
	}
	return res, nil
}

func (e *Engine) advance() TickResult {
	now := e.simulatedNow()
	res := TickResult{Now: now, Outcomes: make(map[domain.VisitStatus]int)}
	subjects := e.pop.subjects
	total := len(subjects)
	if total == 0 {
		return res
	}
	batch := int(math.Floor(e.settings.BatchPercentage / 100 * float64(total)))
	batch = min(max(1, batch), total)
	offset := int((e.ticks * int64(batch)) % int64(total))
	for i := 0; i < batch; i++ {
		e.step(subjects[(offset+i)%total], now, &res)
	}
	res.Processed = batch
	return res
}

func (e *Engine) step(subj *domain.Subject, now time.Time, res *TickResult) {
	if subj.DelayedUntil != nil {
		if now.Before(*subj.DelayedUntil) {
			subj.VisitStatus = domain.VisitDelayed
			res.Skipped++
			res.Outcomes[domain.VisitDelayed]++
			return
		}
		subj.DelayedUntil = nil
	}

	p := e.settings.Probabilities
	r := e.rng.Float64()
	plan := e.pop.plans[subj.Key]
	ceiling := len(plan)
	if ceiling == 0 {
		ceiling = max(1, len(e.settings.Templates))
	}

	switch {
	case r < p.Missed:
		subj.VisitStatus = domain.VisitMissed
		subj.VisitIndex = min(ceiling-1, subj.VisitIndex+1)
	case r < p.Missed+p.Delayed:
		until := now.Add(e.sampleDelay())
		subj.DelayedUntil = &until
		subj.VisitStatus = domain.VisitDelayed
	default:
		forms := e.currentForms(subj, plan)
		subset := forms
		if p.Partial > 0 && e.rng.Float64() < p.Partial {
			subset = forms[:min(len(forms), max(1, len(forms)/2))]
		}
		for range subset {
			e.writeField(subj, now)
			res.AuditCreated++
		}
		if len(subset) < len(forms) {
			subj.VisitStatus = domain.VisitPartial
		} else {
			subj.VisitStatus = domain.VisitCompleted
			subj.VisitIndex = min(ceiling-1, subj.VisitIndex+1)
		}
		subj.DelayedUntil = nil
	}

	subj.Progress = min(100, subj.Progress+max(0, e.settings.ProgressIncrement))
	if subj.Progress == 100 && e.rng.Float64() < e.settings.InactiveProbability {
		subj.Status = domain.SubjectInactive
	}
	res.Outcomes[subj.VisitStatus]++
}

// currentForms resolves the forms of the subject's current visit, preferring
// the plan entry and falling back to the shared templates.
func (e *Engine) currentForms(subj *domain.Subject, plan []domain.VisitPlanEntry) []domain.FormRef {
	if len(plan) > 0 {
		idx := subj.VisitIndex
		if idx < 0 || idx >= len(plan) {
			idx = len(plan) - 1
		}
		if forms := plan[idx].Forms; len(forms) > 0 {
			return forms
		}
	}
	templates := e.settings.Templates
	if subj.VisitIndex >= 0 && subj.VisitIndex < len(templates) {
		return templates[subj.VisitIndex].Forms
	}
	if len(templates) > 0 {
		return templates[len(templates)-1].Forms
	}
	return nil
}

func (e *Engine) sampleDelay() time.Duration {
	lo, hi := e.settings.DelayMin, e.settings.DelayMax
	spread := max(0, hi-lo)
	ms := math.Floor(float64(lo.Milliseconds()) + e.rng.Float64()*float64(spread.Milliseconds()))
	return time.Duration(max(0, ms)) * time.Millisecond
}

func (e *Engine) writeField(subj *domain.Subject, now time.Time) {
	fields := e.settings.AuditFields
	if len(fields) == 0 {
		fields = []string{"DM.SEX"}
	}
	field := fields[min(len(fields)-1, int(e.rng.Float64()*float64(len(fields))))]
	rule := e.settings.Rules[field]
	old, ok := subj.FieldValues[field]
	if !ok {
		old = initialValue(rule, field)
	}
	next := nextValue(rule, field, old, e.rng)
	user := e.settings.AuditUser
	if user == "" {
		user = "raveuser"
	}
	e.ledger.Append(user, field, old, next, now)
	subj.FieldValues[field] = next
}

// Start begins automatic ticking at the configured interval. It reports
// false when the timer is already running or no interval is configured.
func (e *Engine) Start() bool {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.cancel != nil || e.settings.Interval <= 0 {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go e.run(ctx, done)
	e.logSimulator("auto-ticking", "study", e.study.OID, "interval", e.settings.Interval)
	return true
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Tick(context.WithoutCancel(ctx)); err != nil {
				e.logger.Error("automatic tick failed", "study", e.study.OID, "error", err)
			}
		}
	}
}

// Pause stops automatic ticking and waits for an in-flight tick to finish.
// Subject state is never touched.
func (e *Engine) Pause() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
	e.logSimulator("paused", "study", e.study.OID)
}

// Resume restarts automatic ticking.
func (e *Engine) Resume() bool { return e.Start() }

// Running reports whether the automatic timer is active.
func (e *Engine) Running() bool {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.cancel != nil
}

// Reset stops the timer, clears the audit ledger and tick counter, reseeds
// from scratch and restarts the timer when an interval is configured.
func (e *Engine) Reset(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "reset")
	started := time.Now()
	e.Pause()
	e.mu.Lock()
	e.ledger.Reset()
	e.ticks = 0
	e.seed(ctx, true)
	e.initialized = true
	e.asOf = e.simulatedNow()
	e.mu.Unlock()
	e.Start()
	span.End(nil)
	e.metrics.Observe(ctx, "reset", true, time.Since(started))
}

// Status summarizes the engine.
func (e *Engine) Status() Status {
	running := e.Running()
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		StudyOID:     e.study.OID,
		Initialized:  e.initialized,
		Restored:     e.restored,
		Ticks:        e.ticks,
		AuditRecords: e.ledger.Len(),
		Running:      running,
		Interval:     e.settings.Interval,
	}
	if e.pop != nil {
		st.TotalSubjects = len(e.pop.subjects)
	}
	return st
}

// View returns a deep copy of the current state for rendering.
func (e *Engine) View() (domain.View, error) {
	running := e.Running()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return domain.View{}, ErrNotInitialized
	}
	snap := e.pop.snapshot()
	rules := make(map[string]domain.ValueRule, len(e.settings.Rules))
	for k, v := range e.settings.Rules {
		rules[k] = v
	}
	// Ticks append under e.mu, so the ledger cannot move while we read it.
	return domain.View{
		Study:           e.study,
		Ticks:           e.ticks,
		AsOf:            e.asOf,
		Running:         running,
		IntervalMS:      e.settings.Interval.Milliseconds(),
		Subjects:        snap.Subjects,
		VisitPlans:      snap.VisitPlans,
		Templates:       append([]domain.VisitTemplate(nil), e.settings.Templates...),
		VisitSummaries:  snap.VisitSummaries,
		VisitFormMap:    snap.VisitFormMap,
		FormSummaries:   snap.FormSummaries,
		AuditFields:     append([]string(nil), e.settings.AuditFields...),
		Rules:           rules,
		AuditHighWater:  e.ledger.HighWater(),
		AuditGeneration: e.ledger.Generation(),
	}, nil
}

// AuditPage returns one page of audit records. A non-positive PerPage uses
// the configured page size. A query bound to a view taken before the last
// reset fails with ErrStaleView.
func (e *Engine) AuditPage(q domain.AuditQuery) ([]domain.AuditRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	if q.Generation != 0 && q.Generation != e.ledger.Generation() {
		return nil, ErrStaleView
	}
	if q.PerPage <= 0 {
		q.PerPage = e.settings.AuditPageSize
	}
	if q.PerPage <= 0 {
		q.PerPage = 500
	}
	return e.ledger.Query(q), nil
}

// Close stops the timer and releases the snapshot store.
func (e *Engine) Close() error {
	e.Pause()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *Engine) logSimulator(msg string, args ...any) {
	if e.settings.LogSimulator {
		e.logger.Info(msg, args...)
		return
	}
	e.logger.Debug(msg, args...)
}
