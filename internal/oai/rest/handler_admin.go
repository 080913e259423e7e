package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"oaiserver/internal/query"
	"oaiserver/internal/records"
	"oaiserver/internal/sets"
)

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// SetPayload is the admin API's set representation.
type SetPayload struct {
	ID            string `json:"id,omitempty"`
	Spec          string `json:"spec"`
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	SearchPattern string `json:"searchPattern,omitempty"`
}

func payloadFor(s *sets.Set) SetPayload {
	return SetPayload{
		ID:            s.ID,
		Spec:          s.Spec,
		Name:          s.Name,
		Description:   s.Description,
		SearchPattern: s.SearchPattern,
	}
}

func (h *Handler) registerAdminRoutes(mux *http.ServeMux) {
	if h.cfg.AdminKeyHash == "" {
		h.logger.Warn("admin key not configured, set administration API disabled")
		return
	}
	mux.HandleFunc("GET /admin/sets", h.protected(h.handleListSets))
	mux.HandleFunc("POST /admin/sets", h.protected(h.handleCreateSet))
	mux.HandleFunc("GET /admin/sets/{spec}", h.protected(h.handleGetSet))
	mux.HandleFunc("PUT /admin/sets/{spec}", h.protected(h.handleUpdateSet))
	mux.HandleFunc("DELETE /admin/sets/{spec}", h.protected(h.handleDeleteSet))
	mux.HandleFunc("PUT /admin/sets/{spec}/records/{identifier...}", h.protected(h.handleAddRecord))
	mux.HandleFunc("DELETE /admin/sets/{spec}/records/{identifier...}", h.protected(h.handleRemoveRecord))
	mux.HandleFunc("POST /admin/records", h.protected(h.handleIngestRecord))
}

// RecordPayload is the admin ingest representation.
type RecordPayload struct {
	ID   string         `json:"id,omitempty"`
	Data map[string]any `json:"data"`
}

// RecordResult echoes the stored state after ingestion.
type RecordResult struct {
	ID      string   `json:"id"`
	OAIID   string   `json:"oaiId"`
	Sets    []string `json:"sets"`
	Updated string   `json:"updated"`
}

// handleIngestRecord creates or replaces a record: mints an identifier
// on first sight, recomputes set memberships, and advances the
// datestamp.
func (h *Handler) handleIngestRecord(w http.ResponseWriter, r *http.Request) {
	var payload RecordPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Data == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	ctx := r.Context()
	created := false
	rec, err := h.store.Get(ctx, payload.ID)
	if errors.Is(err, records.ErrNotFound) {
		rec = &records.Record{ID: payload.ID}
		created = true
	} else if err != nil {
		h.writeSetError(w, err)
		return
	}
	rec.Data = payload.Data

	specs, err := h.engine.Memberships(ctx, rec)
	if err != nil {
		h.writeSetError(w, err)
		return
	}
	now := time.Now().UTC()
	rec.SetSets(specs, now)
	if _, err := h.minter.Mint(rec, now); err != nil {
		h.writeSetError(w, err)
		return
	}

	if created {
		err = h.store.Create(ctx, rec)
	} else {
		err = h.store.Update(ctx, rec)
	}
	if err != nil {
		h.writeSetError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RecordResult{
		ID:      rec.ID,
		OAIID:   rec.OAI.ID,
		Sets:    rec.OAI.Sets,
		Updated: records.ToDatestamp(rec.OAI.Updated),
	})
}

// protected requires a bearer key matching the configured hash.
func (h *Handler) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Missing bearer key")
			return
		}
		valid, err := VerifyKey(key, h.cfg.AdminKeyHash)
		if err != nil {
			h.logger.Error("admin key verification failed", "error", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
			return
		}
		if !valid {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid key")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleListSets(w http.ResponseWriter, r *http.Request) {
	defs, err := h.registry.All(r.Context())
	if err != nil {
		h.writeSetError(w, err)
		return
	}
	out := make([]SetPayload, 0, len(defs))
	for _, s := range defs {
		out = append(out, payloadFor(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateSet(w http.ResponseWriter, r *http.Request) {
	var payload SetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	set := &sets.Set{
		Spec:          payload.Spec,
		Name:          payload.Name,
		Description:   payload.Description,
		SearchPattern: payload.SearchPattern,
	}
	if err := h.registry.Create(r.Context(), set); err != nil {
		h.writeSetError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payloadFor(set))
}

func (h *Handler) handleGetSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.registry.GetBySpec(r.Context(), r.PathValue("spec"))
	if err != nil {
		h.writeSetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payloadFor(set))
}

func (h *Handler) handleUpdateSet(w http.ResponseWriter, r *http.Request) {
	existing, err := h.registry.GetBySpec(r.Context(), r.PathValue("spec"))
	if err != nil {
		h.writeSetError(w, err)
		return
	}
	var payload SetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	set := &sets.Set{
		ID:            existing.ID,
		Spec:          existing.Spec,
		Name:          payload.Name,
		Description:   payload.Description,
		SearchPattern: payload.SearchPattern,
	}
	if payload.Spec != "" && payload.Spec != existing.Spec {
		set.Spec = payload.Spec // rejected by the registry
	}
	if err := h.registry.Update(r.Context(), set); err != nil {
		h.writeSetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payloadFor(set))
}

func (h *Handler) handleDeleteSet(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), r.PathValue("spec")); err != nil {
		h.writeSetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddRecord(w http.ResponseWriter, r *http.Request) {
	err := h.registry.AddRecord(r.Context(), r.PathValue("spec"), r.PathValue("identifier"))
	if err != nil {
		h.writeSetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveRecord(w http.ResponseWriter, r *http.Request) {
	err := h.registry.RemoveRecord(r.Context(), r.PathValue("spec"), r.PathValue("identifier"))
	if err != nil {
		h.writeSetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sets.ErrNotFound), errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Not found")
	case errors.Is(err, sets.ErrSpecExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "Spec already exists")
	case errors.Is(err, sets.ErrSpecImmutable):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Spec cannot be changed")
	case errors.Is(err, sets.ErrSpecInvalid), errors.Is(err, sets.ErrNotStatic),
		errors.Is(err, sets.ErrNotInSet), errors.Is(err, query.ErrInvalidSearchPattern):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		h.logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
	}
}

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
