// Package archive renders every dataset document of a study and stores the
// results in a blob store, either inline or through an asynchronous worker.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ravesim/internal/blob"
	"ravesim/internal/core"
	"ravesim/internal/odm"
	"ravesim/pkg/domain"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ContentType is stored with every exported document.
const ContentType = "application/xml; charset=utf-8"

// DefaultKinds lists the documents exported when a request names none.
var DefaultKinds = []string{
	odm.KindMetadata,
	odm.KindClinicalData,
	odm.KindSubjects,
	odm.KindAudit,
	odm.KindStatus,
}

// Artifact captures one stored document.
type Artifact struct {
	Key       string `json:"key"`
	StudyOID  string `json:"study_oid"`
	Kind      string `json:"kind"`
	Tick      int64  `json:"tick"`
	SizeBytes int64  `json:"size_bytes"`
	ETag      string `json:"etag,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string       `json:"id"`
	Studies     []string     `json:"studies"`
	Kinds       []string     `json:"kinds"`
	Status      ExportStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Artifacts   []Artifact   `json:"artifacts,omitempty"`
	RequestedBy string       `json:"requested_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func (r Record) copy() Record {
	out := r
	out.Studies = append([]string(nil), r.Studies...)
	out.Kinds = append([]string(nil), r.Kinds...)
	out.Artifacts = append([]Artifact(nil), r.Artifacts...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Input is an export request. Empty Studies exports every registered study;
// empty Kinds exports DefaultKinds.
type Input struct {
	Studies     []string
	Kinds       []string
	RequestedBy string
}

// Catalog resolves the engines to export.
type Catalog interface {
	Lookup(studyOID string) (*core.Engine, error)
	Engines() []*core.Engine
}

// Option configures a Worker.
type Option func(*Worker)

// WithPrefix sets the key prefix documents are stored under.
func WithPrefix(prefix string) Option {
	return func(w *Worker) { w.prefix = strings.Trim(prefix, "/") }
}

// WithLogger sets the worker logger.
func WithLogger(logger core.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for records.
func WithClock(clock core.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithQueueSize bounds the number of pending requests.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan exportTask, n)
		}
	}
}

// WithURLExpiry sets how long presigned artifact URLs stay valid.
func WithURLExpiry(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.expiry = d
		}
	}
}

// ErrQueueFull is returned by Enqueue when the worker backlog is full.
var ErrQueueFull = errors.New("export queue full")

// Worker executes archive exports.
type Worker struct {
	catalog Catalog
	store   blob.Store
	prefix  string
	expiry  time.Duration
	logger  core.Logger
	clock   core.Clock

	queue chan exportTask
	mu    sync.RWMutex
	jobs  map[string]*Record
	order []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type exportTask struct {
	id    string
	input Input
}

// NewWorker constructs an export worker. Start must be called before queued
// requests are processed; Export runs inline without it.
func NewWorker(c Catalog, store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		catalog: c,
		store:   store,
		prefix:  "exports",
		expiry:  15 * time.Minute,
		logger:  nopLogger{},
		clock:   core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		queue:   make(chan exportTask, 32),
		jobs:    make(map[string]*Record),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(w.ctx, task)
		}
	}
}

// Enqueue validates the request, records it as queued and hands it to the
// worker loop.
func (w *Worker) Enqueue(_ context.Context, input Input) (Record, error) {
	record, err := w.register(input)
	if err != nil {
		return Record{}, err
	}
	select {
	case w.queue <- exportTask{id: record.ID, input: input}:
	default:
		w.fail(record.ID, ErrQueueFull.Error())
		return Record{}, ErrQueueFull
	}
	return record, nil
}

// Export runs a request inline and returns the finished record. A failed
// export returns the record together with the error.
func (w *Worker) Export(ctx context.Context, input Input) (Record, error) {
	record, err := w.register(input)
	if err != nil {
		return Record{}, err
	}
	w.process(ctx, exportTask{id: record.ID, input: input})
	final, _ := w.Get(record.ID)
	if final.Status == ExportStatusFailed {
		return final, errors.New(final.Error)
	}
	return final, nil
}

// Get returns a snapshot of the export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// List returns every record in request order.
func (w *Worker) List() []Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Record, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.jobs[id].copy())
	}
	return out
}

func (w *Worker) register(input Input) (Record, error) {
	if w.catalog == nil {
		return Record{}, fmt.Errorf("export catalog not configured")
	}
	if w.store == nil {
		return Record{}, fmt.Errorf("export store not configured")
	}
	studies, err := w.resolveStudies(input.Studies)
	if err != nil {
		return Record{}, err
	}
	kinds, err := normalizeKinds(input.Kinds)
	if err != nil {
		return Record{}, err
	}
	now := w.clock.Now().UTC()
	record := Record{
		ID:          uuid.NewString(),
		Studies:     studies,
		Kinds:       kinds,
		Status:      ExportStatusQueued,
		RequestedBy: input.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = &record
	w.order = append(w.order, record.ID)
	snapshot := record.copy()
	w.mu.Unlock()
	return snapshot, nil
}

func (w *Worker) resolveStudies(requested []string) ([]string, error) {
	if len(requested) == 0 {
		engines := w.catalog.Engines()
		if len(engines) == 0 {
			return nil, core.ErrStudyNotFound
		}
		out := make([]string, 0, len(engines))
		for _, e := range engines {
			out = append(out, e.Study().OID)
		}
		return out, nil
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, oid := range requested {
		if _, dup := seen[oid]; dup {
			continue
		}
		if _, err := w.catalog.Lookup(oid); err != nil {
			return nil, err
		}
		seen[oid] = struct{}{}
		out = append(out, oid)
	}
	return out, nil
}

func normalizeKinds(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), DefaultKinds...), nil
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, raw := range requested {
		kind := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[kind]; dup {
			continue
		}
		if !supportedKind(kind) {
			return nil, fmt.Errorf("unsupported document kind %q", raw)
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out, nil
}

func supportedKind(kind string) bool {
	for _, k := range DefaultKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (w *Worker) process(ctx context.Context, task exportTask) {
	record, ok := w.Get(task.id)
	if !ok {
		return
	}
	w.updateStatus(task.id, ExportStatusRunning)
	var artifacts []Artifact
	for _, oid := range record.Studies {
		engine, err := w.catalog.Lookup(oid)
		if err != nil {
			w.fail(task.id, err.Error())
			return
		}
		stored, err := w.exportStudy(ctx, engine, record.Kinds)
		if err != nil {
			w.fail(task.id, fmt.Sprintf("export %s: %v", oid, err))
			return
		}
		artifacts = append(artifacts, stored...)
	}
	w.complete(task.id, artifacts)
}

func (w *Worker) exportStudy(ctx context.Context, engine *core.Engine, kinds []string) ([]Artifact, error) {
	view, payloads, err := renderStudy(engine, kinds)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(kinds))
	for i, kind := range kinds {
		payload := payloads[i]
		key := w.Key(view.Study.OID, view.Ticks, kind)
		info, err := w.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: ContentType,
			Metadata: map[string]string{
				"study": view.Study.OID,
				"kind":  kind,
				"tick":  strconv.FormatInt(view.Ticks, 10),
			},
			Overwrite: true,
		})
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", key, err)
		}
		size := info.Size
		if size == 0 {
			size = int64(len(payload))
		}
		out = append(out, Artifact{
			Key:       key,
			StudyOID:  view.Study.OID,
			Kind:      kind,
			Tick:      view.Ticks,
			SizeBytes: size,
			ETag:      info.ETag,
			URL:       w.downloadURL(ctx, key),
		})
	}
	w.logger.Info("archived study documents", "study", view.Study.OID, "tick", view.Ticks, "documents", len(out))
	return out, nil
}

const staleViewRetries = 2

// renderStudy renders every kind from a single view. A reset landing between
// the view and its audit pages restarts the render from a fresh view.
func renderStudy(engine *core.Engine, kinds []string) (domain.View, [][]byte, error) {
	var err error
	for attempt := 0; attempt <= staleViewRetries; attempt++ {
		var view domain.View
		view, err = engine.View()
		if err != nil {
			return domain.View{}, nil, err
		}
		payloads := make([][]byte, 0, len(kinds))
		for _, kind := range kinds {
			var payload []byte
			payload, err = Render(kind, view, engine)
			if err != nil {
				err = fmt.Errorf("render %s: %w", kind, err)
				break
			}
			payloads = append(payloads, payload)
		}
		if err == nil {
			return view, payloads, nil
		}
		if !errors.Is(err, core.ErrStaleView) {
			return domain.View{}, nil, err
		}
	}
	return domain.View{}, nil, err
}

// downloadURL presigns a GET link for key. Drivers without URL support yield
// an empty string.
func (w *Worker) downloadURL(ctx context.Context, key string) string {
	url, err := w.store.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: w.expiry})
	if err != nil {
		if !errors.Is(err, blob.ErrUnsupported) {
			w.logger.Warn("presign export failed", "key", key, "error", err)
		}
		return ""
	}
	return url
}

// Key returns the blob key for one document: <prefix>/<study>/<tick>/<kind>.xml.
func (w *Worker) Key(studyOID string, tick int64, kind string) string {
	return path.Join(w.prefix, studyOID, strconv.FormatInt(tick, 10), kind+".xml")
}

// AuditSource pages audit records out of a study.
type AuditSource interface {
	AuditPage(q domain.AuditQuery) ([]domain.AuditRecord, error)
}

// Render serializes one document kind for the view. The audit document holds
// the ledger up to the view's high-water mark, read page by page from src.
func Render(kind string, view domain.View, src AuditSource) ([]byte, error) {
	var root *odm.Node
	switch kind {
	case odm.KindMetadata:
		root = odm.Metadata(view, odm.MetadataOptions{})
	case odm.KindClinicalData:
		n, err := odm.ClinicalData(view, odm.ClinicalOptions{})
		if err != nil {
			return nil, err
		}
		root = n
	case odm.KindSubjects:
		root = odm.Subjects(view)
	case odm.KindAudit:
		records, err := allAudits(view, src)
		if err != nil {
			return nil, err
		}
		root = odm.Audit(view, records, odm.AuditOptions{})
	case odm.KindStatus:
		root = odm.Status(view)
	default:
		return nil, fmt.Errorf("unsupported document kind %q", kind)
	}
	return odm.Marshal(root)
}

const auditPageSize = 500

func allAudits(view domain.View, src AuditSource) ([]domain.AuditRecord, error) {
	if src == nil {
		return nil, nil
	}
	var out []domain.AuditRecord
	next := int64(1)
	for {
		page, err := src.AuditPage(view.BoundAudit(domain.AuditQuery{StartID: next, PerPage: auditPageSize}))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < auditPageSize {
			return out, nil
		}
		next = page[len(page)-1].ID + 1
	}
}

func (w *Worker) updateStatus(id string, status ExportStatus) {
	now := w.clock.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = ""
		record.UpdatedAt = now
	}
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := w.clock.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Debug("export finished", "id", id, "artifacts", len(artifacts))
}

func (w *Worker) fail(id, reason string) {
	now := w.clock.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Warn("export failed", "id", id, "error", reason)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
