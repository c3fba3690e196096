package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/swiftraccoon/callreceiver/internal/audit"
	"github.com/swiftraccoon/callreceiver/internal/store"
)

// QueryHandler serves the read-only query/search surface: thin handlers
// over Store.Search* and audit.Log's Query/AnalyzeSource.
type QueryHandler struct {
	store *store.Store
	audit *audit.Log
}

func NewQueryHandler(s *store.Store, a *audit.Log) *QueryHandler {
	return &QueryHandler{store: s, audit: a}
}

// Routes registers the query surface under the router it's given — callers
// mount this under /api/v1 behind the authenticated route group.
func (h *QueryHandler) Routes(r chi.Router) {
	r.Get("/calls", h.ListCalls)
	r.Get("/calls/{call_id}", h.GetCall)
	r.Get("/calls/{call_id}/transcription", h.GetCallTranscription)
	r.Get("/transcriptions/search", h.SearchTranscriptions)
	r.Get("/security/events", h.SecurityEvents)
	r.Get("/security/sources/{system_id}", h.AnalyzeSource)
}

func (h *QueryHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	f := store.CallFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "system_id"); ok {
		f.SystemID = v
	}
	if v, ok := QueryInt(r, "talkgroup_id"); ok {
		f.TalkgroupID = &v
	}
	if v, ok := QueryString(r, "status"); ok {
		f.Status = v
	}
	if v, ok := QueryTime(r, "start_time"); ok {
		f.StartTime = &v
	}
	if v, ok := QueryTime(r, "end_time"); ok {
		f.EndTime = &v
	}

	result, err := h.store.SearchRadioCalls(r.Context(), f)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "search calls failed")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (h *QueryHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID, err := PathInt64(r, "call_id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid call_id")
		return
	}
	call, err := h.store.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "call not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "get call failed")
		return
	}
	WriteJSON(w, http.StatusOK, call)
}

func (h *QueryHandler) GetCallTranscription(w http.ResponseWriter, r *http.Request) {
	callID, err := PathInt64(r, "call_id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid call_id")
		return
	}
	t, err := h.store.GetTranscriptionByCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "transcription not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "get transcription failed")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

func (h *QueryHandler) SearchTranscriptions(w http.ResponseWriter, r *http.Request) {
	q, ok := QueryString(r, "q")
	if !ok || q == "" {
		WriteError(w, http.StatusBadRequest, "missing required query parameter: q")
		return
	}
	p := ParsePagination(r)
	f := store.TranscriptionSearchFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "system_id"); ok {
		f.SystemID = v
	}
	if v, ok := QueryTime(r, "start_time"); ok {
		f.StartTime = &v
	}
	if v, ok := QueryTime(r, "end_time"); ok {
		f.EndTime = &v
	}

	result, err := h.store.SearchTranscriptions(r.Context(), q, f)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "search transcriptions failed")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (h *QueryHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	f := store.SecurityEventFilter{}
	if v, ok := QueryString(r, "event_type"); ok {
		f.EventType = v
	}
	if v, ok := QueryString(r, "severity"); ok {
		f.Severity = v
	}
	if v, ok := QueryInt(r, "limit"); ok {
		f.Limit = v
	}

	events, err := h.audit.Query(r.Context(), f)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query security events failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *QueryHandler) AnalyzeSource(w http.ResponseWriter, r *http.Request) {
	systemID := chi.URLParam(r, "system_id")
	analysis, err := h.audit.AnalyzeSource(r.Context(), systemID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "analyze source failed")
		return
	}
	WriteJSON(w, http.StatusOK, analysis)
}
