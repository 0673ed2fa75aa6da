package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-ex-approvals/internal/export"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

// ActorHeader carries the id of the person performing a request. Authentication
// happens upstream; this service trusts the header.
const ActorHeader = "X-Actor-ID"

// HTTPHandler exposes the approval engine over JSON/HTTP.
type HTTPHandler struct {
	engine    *service.ApprovalEngine
	directory repository.Directory
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.ApprovalEngine, directory repository.Directory, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:    engine,
		directory: directory,
		log:       log.With("http"),
	}
}

// Router builds the chi router with the standard middleware stack.
func (h *HTTPHandler) Router(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/templates/{templateID}/candidates", h.ResolveCandidates)
		api.Get("/templates/{templateID}/steps", h.StepsWithCandidates)

		api.Post("/documents/{documentID}/submit", h.Submit)
		api.Post("/documents/{documentID}/draft", h.SaveDraft)
		api.Post("/documents/{documentID}/cancel", h.Cancel)
		api.Get("/documents/{documentID}/instance", h.GetInstance)
		api.Get("/documents/{documentID}/history", h.GetHistory)
		api.Get("/documents/{documentID}/history.xlsx", h.ExportHistory)

		api.Post("/instances/{instanceID}/actions", h.Act)

		api.Get("/approvers/{personID}/pending", h.PendingFor)
	})
	return r
}

// RequestLogger logs one line per request through zerolog.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// ── Candidates ────────────────────────────────────────────────────────────────

// ResolveCandidates handles GET /templates/{templateID}/candidates.
func (h *HTTPHandler) ResolveCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	people, err := h.engine.ResolveCandidates(r.Context(), service.CandidateQuery{
		ApplicantID: q.Get("applicant_id"),
		TemplateID:  chi.URLParam(r, "templateID"),
		StepID:      q.Get("step_id"),
		Unit:        q.Get("unit"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": toPersonViews(people)})
}

// StepsWithCandidates handles GET /templates/{templateID}/steps.
func (h *HTTPHandler) StepsWithCandidates(w http.ResponseWriter, r *http.Request) {
	steps, err := h.engine.StepsWithCandidates(r.Context(), r.URL.Query().Get("applicant_id"), chi.URLParam(r, "templateID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]stepView, 0, len(steps))
	for _, s := range steps {
		v := toStepView(s.Step)
		v.Candidates = toPersonViews(s.Candidates)
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

type submitBody struct {
	TemplateID   string                       `json:"template_id"`
	SubmissionID string                       `json:"submission_id"`
	Comment      string                       `json:"comment"`
	Selections   map[string]service.Selection `json:"selections"`
}

// Submit handles POST /documents/{documentID}/submit. The actor is the applicant.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.SubmissionID == "" {
		body.SubmissionID = r.Header.Get("Idempotency-Key")
	}

	res, err := h.engine.Submit(r.Context(), service.SubmitRequest{
		DocumentID:   chi.URLParam(r, "documentID"),
		ApplicantID:  actorID(r),
		TemplateID:   body.TemplateID,
		Selections:   body.Selections,
		SubmissionID: body.SubmissionID,
		Comment:      body.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"instance": toInstanceView(res.Instance), "replayed": res.Replayed})
}

type draftBody struct {
	TemplateID string                       `json:"template_id"`
	Selections map[string]service.Selection `json:"selections"`
}

// SaveDraft handles POST /documents/{documentID}/draft.
func (h *HTTPHandler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var body draftBody
	if !h.decode(w, r, &body) {
		return
	}
	saved, err := h.engine.SaveDraft(r.Context(), service.DraftRequest{
		DocumentID:  chi.URLParam(r, "documentID"),
		ApplicantID: actorID(r),
		TemplateID:  body.TemplateID,
		Selections:  body.Selections,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]assignmentView, 0, len(saved))
	for _, a := range saved {
		out = append(out, toAssignmentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": out, "document_status": repository.DocumentDraft})
}

type actBody struct {
	Decision        string `json:"decision"`
	Comment         string `json:"comment"`
	ExpectedVersion int    `json:"expected_version"`
}

// Act handles POST /instances/{instanceID}/actions.
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	var body actBody
	if !h.decode(w, r, &body) {
		return
	}
	inst, err := h.engine.Act(r.Context(), service.ActRequest{
		InstanceID:      chi.URLParam(r, "instanceID"),
		ExpectedVersion: body.ExpectedVersion,
		ActorID:         actorID(r),
		Decision:        body.Decision,
		Comment:         body.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": toInstanceView(inst)})
}

// Cancel handles POST /documents/{documentID}/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "documentID"), actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": toInstanceView(inst)})
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance handles GET /documents/{documentID}/instance.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	inst, err := h.engine.GetInstance(r.Context(), documentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	docStatus, err := h.engine.GetDocumentStatus(r.Context(), documentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": toInstanceView(inst), "document_status": docStatus})
}

// GetHistory handles GET /documents/{documentID}/history.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.GetHistory(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

// ExportHistory handles GET /documents/{documentID}/history.xlsx.
func (h *HTTPHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	entries, err := h.engine.GetHistory(r.Context(), documentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	names := map[string]string{}
	data, err := export.HistoryXLSX(documentID, entries, func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		n := id
		if p, err := h.directory.GetPerson(r.Context(), id); err == nil && p.Name != "" {
			n = p.Name
		}
		names[id] = n
		return n
	})
	if err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInternal, "render history workbook"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.HistoryFilename(documentID)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// PendingFor handles GET /approvers/{personID}/pending.
func (h *HTTPHandler) PendingFor(w http.ResponseWriter, r *http.Request) {
	rows, err := h.engine.PendingFor(r.Context(), chi.URLParam(r, "personID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, p := range rows {
		out = append(out, map[string]any{
			"assignment": toAssignmentView(p.Assignment),
			"instance":   toInstanceView(p.Instance),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func actorID(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code       errors.ErrorCode   `json:"code"`
	Message    string             `json:"message"`
	Violations []errors.Violation `json:"violations,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	httpStatus := httpStatusFor(code)
	if httpStatus >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}

	body := errorBody{Code: code, Message: err.Error(), Violations: errors.ViolationsOf(err)}
	var appErr *errors.AppError
	if errors.As(err, &appErr) && code != errors.ErrCodeInternal {
		body.Message = appErr.Message
	}
	if code == errors.ErrCodeInternal {
		body.Message = "internal error"
	}
	writeJSON(w, httpStatus, body)
}

func httpStatusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
