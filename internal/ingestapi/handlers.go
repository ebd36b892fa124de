package ingestapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/engine"
	"github.com/starford/kenaz/internal/registry"
)

// Handler binds the ingestion HTTP surface to an engine.Engine.
type Handler struct {
	eng *engine.Engine
}

// NewHandler returns a Handler backed by eng.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{eng: eng}
}

// selectorFromRequest builds a registry.Selector from the {selector} path
// param plus optional ?name=&path= query params. A path segment of "-"
// means the caller is addressing the graph purely by name/path.
func selectorFromRequest(r *http.Request) registry.Selector {
	id := chi.URLParam(r, "selector")
	if id == "-" {
		id = ""
	}
	return registry.Selector{
		ID:   id,
		Name: r.URL.Query().Get("name"),
		Path: r.URL.Query().Get("path"),
	}
}

// statusForErr maps an apperr sentinel to an HTTP status code, matching
// the teacher's errors.Is-based response convention.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnknownGraph), errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrChannelClosed), errors.Is(err, apperr.ErrDegraded):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrAckTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusForErr(err), errorBody(err.Error()))
}

// IngestBatch handles POST /api/graphs/{selector}/ingest.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	items := make([]engine.Item, 0, len(req.Items))
	for _, dto := range req.Items {
		item, err := dto.toEngineItem()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		items = append(items, item)
	}

	res, err := h.eng.IngestBatch(selectorFromRequest(r), items, req.origin())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIngestResponse(res))
}

// Verify handles POST /api/graphs/{selector}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	count, err := h.eng.Verify(selectorFromRequest(r), toSet(req.Pages), toSet(req.Blocks))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{ArchivedCount: count})
}

// SyncStatus handles GET /api/graphs/{selector}/sync-status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.eng.SyncStatus(selectorFromRequest(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncStatusResponse(status))
}

// TouchSync handles POST /api/graphs/{selector}/sync-status/touch.
func (h *Handler) TouchSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req touchSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if err := h.eng.TouchSync(selectorFromRequest(r), req.Kind); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ValidateEditorConfig handles POST /api/graphs/{selector}/editor-config/validate.
func (h *Handler) ValidateEditorConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req editorConfigValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	status, err := h.eng.ValidateEditorConfig(selectorFromRequest(r), req.HasHiddenProperty, req.HasGraphID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEditorConfigStatusResponse(status))
}

// ListGraphs handles GET /api/graphs.
func (h *Handler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	recs := h.eng.ListGraphs()
	out := graphListResponse{Graphs: make([]graphRecordDTO, len(recs))}
	for i, rec := range recs {
		out.Graphs[i] = toGraphRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// RegisterGraph handles POST /api/graphs.
func (h *Handler) RegisterGraph(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req registerGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	rec, err := h.eng.RegisterGraph(registry.Selector{ID: req.ID, Name: req.Name, Path: req.Path})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGraphRecordDTO(rec))
}
