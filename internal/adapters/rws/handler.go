// Package rws serves the simulated studies over RWS-style HTTP paths plus a
// small JSON control surface for the simulator and archive exports.
package rws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ravesim/internal/adapters/archive"
	"ravesim/internal/core"
	"ravesim/internal/odm"
	"ravesim/pkg/domain"
)

// RWS reason codes carried by error responses.
const (
	ReasonUnauthorized  = "RWS00008"
	ReasonStudyNotFound = "RWS00012"
	ReasonNotFound      = "RWS00013"
	ReasonBadRequest    = "RWS00020"
	ReasonInternal      = "RWS00100"
)

const rwsPrefix = "/RaveWebServices"

// Catalog resolves engines by study OID.
type Catalog interface {
	Lookup(studyOID string) (*core.Engine, error)
	Default() (*core.Engine, error)
	Engines() []*core.Engine
	Studies() []domain.Study
}

// ExportScheduler queues archive exports and exposes their status.
type ExportScheduler interface {
	Enqueue(ctx context.Context, input archive.Input) (archive.Record, error)
	Get(id string) (archive.Record, bool)
	List() []archive.Record
}

// Handler provides HTTP access to the simulated studies.
type Handler struct {
	Catalog Catalog
	Exports ExportScheduler
	Version string
	Logger  core.Logger
	Clock   core.Clock
}

// NewHandler constructs a handler over the catalog.
func NewHandler(c Catalog) *Handler {
	return &Handler{Catalog: c}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.route(rec, r)
	if h.Logger != nil {
		h.Logger.Debug("rws request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(started))
	}
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		writeRWSError(w, http.StatusInternalServerError, ReasonInternal, "study catalog not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/health":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case strings.HasPrefix(path, "/api/control/"):
		h.handleControl(w, r, strings.TrimPrefix(path, "/api/control/"))
	case path == "/api/exports" || strings.HasPrefix(path, "/api/exports/"):
		if h.Exports == nil {
			writeError(w, http.StatusNotFound, "exports not configured")
			return
		}
		h.handleExports(w, r, strings.TrimPrefix(strings.TrimPrefix(path, "/api/exports"), "/"))
	case strings.HasPrefix(path, rwsPrefix+"/"):
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		h.handleRWS(w, r, strings.TrimPrefix(path, rwsPrefix+"/"))
	default:
		writeRWSError(w, http.StatusNotFound, ReasonNotFound, "Not found")
	}
}

func (h *Handler) handleRWS(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	switch {
	case len(segments) == 1 && strings.EqualFold(segments[0], "version"):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(odm.Version(h.Version)))
	case len(segments) == 1 && strings.EqualFold(segments[0], "twohundred"):
		writeXML(w, http.StatusOK, odm.TwoHundred(h.now()))
	case len(segments) == 1 && strings.EqualFold(segments[0], "studies"):
		writeXML(w, http.StatusOK, odm.Studies(h.Catalog.Studies(), h.now()))
	case len(segments) == 2 && strings.EqualFold(segments[0], "datasets") && strings.EqualFold(segments[1], "ClinicalAuditRecords.odm"):
		h.handleAudit(w, r)
	case len(segments) >= 3 && strings.EqualFold(segments[0], "studies"):
		h.handleStudy(w, r, segments[1], segments[2:])
	default:
		writeRWSError(w, http.StatusNotFound, ReasonNotFound, "Not found")
	}
}

func (h *Handler) handleStudy(w http.ResponseWriter, r *http.Request, studyOID string, rest []string) {
	engine, ok := h.lookup(w, studyOID)
	if !ok {
		return
	}
	view, ok := h.view(w, engine)
	if !ok {
		return
	}
	q := r.URL.Query()
	switch {
	case len(rest) == 1 && strings.EqualFold(rest[0], "subjects"):
		writeXML(w, http.StatusOK, odm.Subjects(view))
	case len(rest) == 3 && strings.EqualFold(rest[0], "datasets") && strings.EqualFold(rest[1], "metadata") && strings.EqualFold(rest[2], "regular"):
		writeXML(w, http.StatusOK, odm.Metadata(view, odm.MetadataOptions{StudyOID: queryValue(q, "StudyOID")}))
	case len(rest) == 2 && strings.EqualFold(rest[0], "datasets") && strings.EqualFold(rest[1], "regular"):
		h.writeClinical(w, view, odm.ClinicalOptions{FormOID: queryValue(q, "formOid", "FormOID")})
	case len(rest) == 4 && strings.EqualFold(rest[0], "subjects") && strings.EqualFold(rest[2], "datasets") && strings.EqualFold(rest[3], "regular"):
		h.writeClinical(w, view, odm.ClinicalOptions{SubjectKey: rest[1], FormOID: queryValue(q, "formOid", "FormOID")})
	case len(rest) == 2 && strings.EqualFold(rest[0], "simulator") && strings.EqualFold(rest[1], "status"):
		writeXML(w, http.StatusOK, odm.Status(view))
	default:
		writeRWSError(w, http.StatusNotFound, ReasonNotFound, "Not found")
	}
}

func (h *Handler) writeClinical(w http.ResponseWriter, view domain.View, opts odm.ClinicalOptions) {
	doc, err := odm.ClinicalData(view, opts)
	if errors.Is(err, odm.ErrSubjectNotFound) {
		writeRWSError(w, http.StatusNotFound, ReasonNotFound, "Subject not found")
		return
	}
	if err != nil {
		writeRWSError(w, http.StatusInternalServerError, ReasonInternal, err.Error())
		return
	}
	writeXML(w, http.StatusOK, doc)
}

// handleAudit serves ClinicalAuditRecords.odm. A StudyOID naming a registered
// study selects that engine; any other value only relabels the default study.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.AuditQuery{FormOID: queryValue(q, "FormOID", "formOid")}
	if raw := queryValue(q, "PerPage", "per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeRWSError(w, http.StatusBadRequest, ReasonBadRequest, fmt.Sprintf("invalid PerPage %q", raw))
			return
		}
		query.PerPage = n
	}
	if raw := queryValue(q, "StartID", "start_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeRWSError(w, http.StatusBadRequest, ReasonBadRequest, fmt.Sprintf("invalid StartID %q", raw))
			return
		}
		query.StartID = n
	}
	studyOID := queryValue(q, "StudyOID", "studyoid")
	engine, err := h.Catalog.Lookup(studyOID)
	if err != nil {
		if engine, err = h.Catalog.Default(); err != nil {
			writeRWSError(w, http.StatusNotFound, ReasonStudyNotFound, "Study not found")
			return
		}
	}
	var (
		view    domain.View
		records []domain.AuditRecord
	)
	// A reset between the view and the page invalidates both; take them again.
	for attempt := 0; ; attempt++ {
		v, ok := h.view(w, engine)
		if !ok {
			return
		}
		records, err = engine.AuditPage(v.BoundAudit(query))
		if errors.Is(err, core.ErrStaleView) && attempt < 2 {
			continue
		}
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		view = v
		break
	}
	writeXML(w, http.StatusOK, odm.Audit(view, records, odm.AuditOptions{
		StudyOID: studyOID,
		Mode:     queryValue(q, "Mode"),
		Unicode:  queryValue(q, "Unicode"),
		FormOID:  query.FormOID,
	}))
}

func (h *Handler) lookup(w http.ResponseWriter, studyOID string) (*core.Engine, bool) {
	if _, _, ok := domain.ParseStudyOID(studyOID); !ok {
		writeRWSError(w, http.StatusBadRequest, ReasonBadRequest, "Invalid study name format. Expected: ProjectName(Environment)")
		return nil, false
	}
	engine, err := h.Catalog.Lookup(studyOID)
	if err != nil {
		writeRWSError(w, http.StatusNotFound, ReasonStudyNotFound, "Study not found")
		return nil, false
	}
	return engine, true
}

func (h *Handler) view(w http.ResponseWriter, engine *core.Engine) (domain.View, bool) {
	view, err := engine.View()
	if err != nil {
		h.writeEngineError(w, err)
		return domain.View{}, false
	}
	return view, true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrNotInitialized) {
		writeRWSError(w, http.StatusServiceUnavailable, ReasonInternal, "Simulator not initialized")
		return
	}
	writeRWSError(w, http.StatusInternalServerError, ReasonInternal, err.Error())
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// controlEngine picks the engine named by ?study=, or the default one.
func (h *Handler) controlEngine(w http.ResponseWriter, r *http.Request) (*core.Engine, bool) {
	var (
		engine *core.Engine
		err    error
	)
	if oid := r.URL.Query().Get("study"); oid != "" {
		engine, err = h.Catalog.Lookup(oid)
	} else {
		engine, err = h.Catalog.Default()
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "study not found")
		return nil, false
	}
	return engine, true
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request, action string) {
	if action == "status" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		statuses := make([]statusPayload, 0)
		for _, e := range h.Catalog.Engines() {
			statuses = append(statuses, newStatusPayload(e.Status()))
		}
		writeJSON(w, http.StatusOK, map[string]any{"studies": statuses})
		return
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	engine, ok := h.controlEngine(w, r)
	if !ok {
		return
	}
	switch action {
	case "tick":
		count := 1
		if raw := r.URL.Query().Get("count"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "count must be a positive integer")
				return
			}
			count = n
		}
		var last core.TickResult
		audits := 0
		for i := 0; i < count; i++ {
			res, err := engine.Tick(r.Context())
			if errors.Is(err, core.ErrNotInitialized) {
				writeError(w, http.StatusServiceUnavailable, "Simulator not initialized")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			last = res
			audits += res.AuditCreated
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "advanced",
			"study":     engine.Study().OID,
			"tick":      last.Tick,
			"processed": last.Processed,
			"audits":    audits,
		})
	case "pause":
		engine.Pause()
		writeJSON(w, http.StatusOK, newStatusPayload(engine.Status()))
	case "resume":
		engine.Resume()
		writeJSON(w, http.StatusOK, newStatusPayload(engine.Status()))
	case "reset":
		engine.Reset(r.Context())
		writeJSON(w, http.StatusOK, newStatusPayload(engine.Status()))
	default:
		writeError(w, http.StatusNotFound, "control endpoint not found")
	}
}

type statusPayload struct {
	Study         string `json:"study"`
	Initialized   bool   `json:"initialized"`
	Restored      bool   `json:"restored"`
	Ticks         int64  `json:"ticks"`
	TotalSubjects int    `json:"total_subjects"`
	AuditRecords  int    `json:"audit_records"`
	Running       bool   `json:"running"`
	IntervalMS    int64  `json:"interval_ms"`
}

func newStatusPayload(s core.Status) statusPayload {
	return statusPayload{
		Study:         s.StudyOID,
		Initialized:   s.Initialized,
		Restored:      s.Restored,
		Ticks:         s.Ticks,
		TotalSubjects: s.TotalSubjects,
		AuditRecords:  s.AuditRecords,
		Running:       s.Running,
		IntervalMS:    s.Interval.Milliseconds(),
	}
}

type exportRequest struct {
	Studies     []string `json:"studies"`
	Kinds       []string `json:"kinds"`
	RequestedBy string   `json:"requested_by"`
}

func (h *Handler) handleExports(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"exports": h.Exports.List()})
		case http.MethodPost:
			h.handleExportCreate(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	record, ok := h.Exports.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

func (h *Handler) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}
	}
	record, err := h.Exports.Enqueue(r.Context(), archive.Input{
		Studies:     req.Studies,
		Kinds:       req.Kinds,
		RequestedBy: req.RequestedBy,
	})
	if errors.Is(err, core.ErrStudyNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, archive.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
}

// queryValue returns the first non-empty parameter matching any name,
// ignoring case.
func queryValue(q url.Values, names ...string) string {
	for _, name := range names {
		for key, values := range q {
			if strings.EqualFold(key, name) && len(values) > 0 && values[0] != "" {
				return values[0]
			}
		}
	}
	return ""
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	if strings.HasPrefix(r.URL.Path, rwsPrefix) {
		writeRWSError(w, http.StatusMethodNotAllowed, ReasonBadRequest, "Method not allowed")
	} else {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeXML(w http.ResponseWriter, status int, root *odm.Node) {
	payload, err := odm.Marshal(root)
	if err != nil {
		status = http.StatusInternalServerError
		payload, _ = odm.Marshal(odm.ErrorResponse(ReasonInternal, err.Error()))
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeRWSError(w http.ResponseWriter, status int, reason, message string) {
	writeXML(w, status, odm.ErrorResponse(reason, message))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
