package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gochi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/liveq-db/liveq"
)

// maxBulkSize bounds bulk insert/update/delete request bodies.
const maxBulkSize = 1000

type errorCode string

const (
	codeBadRequest        errorCode = "bad_request"
	codeUnauthorized      errorCode = "unauthorized"
	codeNotFound          errorCode = "not_found"
	codeInvalidFilter     errorCode = "invalid_filter"
	codeInvalidProjection errorCode = "invalid_projection"
	codeStorageError      errorCode = "storage_error"
	codeInternalError     errorCode = "internal_error"
)

type errorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server exposes a liveq store over HTTP: record CRUD, query execution and
// live subscriptions via server-sent events.
type Server struct {
	store         *liveq.Store
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(store *liveq.Store, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(liveq.ErrNotFound, http.StatusNotFound, codeNotFound),
		sentinelHandler(liveq.ErrInvalidFilter, http.StatusBadRequest, codeInvalidFilter),
		sentinelHandler(liveq.ErrInvalidProjection, http.StatusBadRequest, codeInvalidProjection),
		sentinelHandler(liveq.ErrStorage, http.StatusBadGateway, codeStorageError),
	}
	return s
}

// Routes mounts all API routes on the router.
func (s *Server) Routes(r gochi.Router) {
	r.Get("/health", s.Health)
	r.Get("/metrics", s.Metrics)

	r.Route("/v1/tables/{table}", func(r gochi.Router) {
		r.Post("/records", s.AddRecord)
		r.Post("/records/bulk", s.AddRecords)
		r.Get("/records/{id}", s.GetRecord)
		r.Put("/records/{id}", s.UpdateRecord)
		r.Delete("/records/{id}", s.DeleteRecord)
		r.Patch("/records", s.UpdateRecords)
		r.Post("/records/delete", s.DeleteRecords)

		r.Post("/query", s.Query)
		r.Post("/update-where", s.UpdateWhere)
		r.Post("/delete-where", s.DeleteWhere)

		r.Get("/subscribe", s.Subscribe)
	})
}

func (s *Server) table(r *http.Request) *liveq.Table {
	return s.store.Table(gochi.URLParam(r, "table"))
}

func recordID(r *http.Request) (int64, error) {
	return strconv.ParseInt(gochi.URLParam(r, "id"), 10, 64)
}

// GetRecord handles GET /v1/tables/{table}/records/{id}.
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "record id must be an integer")
		return
	}
	rec, err := s.table(r).Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AddRecord handles POST /v1/tables/{table}/records.
func (s *Server) AddRecord(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	id, err := s.table(r).Add(r.Context(), data)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// AddRecords handles POST /v1/tables/{table}/records/bulk.
func (s *Server) AddRecords(w http.ResponseWriter, r *http.Request) {
	var data []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(data) == 0 || len(data) > maxBulkSize {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			fmt.Sprintf("bulk insert takes between 1 and %d records", maxBulkSize))
		return
	}
	lastID, err := s.table(r).AddMany(r.Context(), data)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"last_id": lastID})
}

// UpdateRecord handles PUT /v1/tables/{table}/records/{id}.
func (s *Server) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "record id must be an integer")
		return
	}
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.table(r).Update(r.Context(), id, data); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateRecords handles PATCH /v1/tables/{table}/records. The body is a list
// of {id, changes}; absent IDs are skipped.
func (s *Server) UpdateRecords(w http.ResponseWriter, r *http.Request) {
	var changes []liveq.Change
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(changes) > maxBulkSize {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			fmt.Sprintf("bulk update takes at most %d changes", maxBulkSize))
		return
	}
	updated, err := s.table(r).UpdateManyByKey(r.Context(), changes)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// DeleteRecord handles DELETE /v1/tables/{table}/records/{id}.
func (s *Server) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "record id must be an integer")
		return
	}
	if err := s.table(r).Delete(r.Context(), id); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRecords handles POST /v1/tables/{table}/records/delete.
func (s *Server) DeleteRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.IDs) > maxBulkSize {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			fmt.Sprintf("bulk delete takes at most %d ids", maxBulkSize))
		return
	}
	if err := s.table(r).DeleteMany(r.Context(), req.IDs); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	// Mode is "many" (default), "first" or "last".
	Mode       string         `json:"mode,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Projection map[string]any `json:"projection,omitempty"`
}

// Query handles POST /v1/tables/{table}/query.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	t := s.table(r)
	switch req.Mode {
	case "first", "last":
		var (
			rec liveq.Record
			ok  bool
			err error
		)
		if req.Mode == "first" {
			rec, ok, err = t.FindFirst(r.Context(), req.Filter, req.Projection)
		} else {
			rec, ok, err = t.FindLast(r.Context(), req.Filter, req.Projection)
		}
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "no record matches the filter")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "", "many":
		results, err := t.FindMany(r.Context(), req.Filter, req.Projection)
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records": results,
			"count":   len(results),
		})
	default:
		writeError(w, http.StatusBadRequest, codeBadRequest, "mode must be one of: first, last, many")
	}
}

// UpdateWhere handles POST /v1/tables/{table}/update-where.
func (s *Server) UpdateWhere(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter  map[string]any `json:"filter"`
		Changes map[string]any `json:"changes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "changes must not be empty")
		return
	}
	updated, err := s.table(r).UpdateManyByMatch(r.Context(), req.Filter, req.Changes)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// DeleteWhere handles POST /v1/tables/{table}/delete-where.
func (s *Server) DeleteWhere(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter map[string]any `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	deleted, err := s.table(r).DeleteManyWhere(r.Context(), req.Filter)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// Subscribe handles GET /v1/tables/{table}/subscribe as a server-sent event
// stream. The optional "filter" and "projection" query parameters carry
// URL-encoded JSON documents. The first event is a "snapshot" with the
// current result set; every content change after that arrives as an "update"
// event. The stream ends when the client disconnects or the subscription
// fails (a final "error" event).
func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	filterSpec, err := jsonParam(r, "filter")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "filter parameter: "+err.Error())
		return
	}
	projSpec, err := jsonParam(r, "projection")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "projection parameter: "+err.Error())
		return
	}

	sub, err := s.table(r).Subscribe(r.Context(), liveq.SubscribeOptions{
		Filter:     filterSpec,
		Projection: projSpec,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "snapshot", sub.Current())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case results, open := <-sub.Updates():
			if !open {
				if err := sub.Err(); err != nil {
					writeSSE(w, "error", errorResponse{Code: codeInternalError, Message: err.Error()})
					flusher.Flush()
				}
				return
			}
			writeSSE(w, "update", results)
			flusher.Flush()
		}
	}
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func jsonParam(r *http.Request, name string) (map[string]any, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	var spec map[string]any
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return spec, nil
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns an error message for the client without exposing
// internals. Validation errors keep their detail; everything else collapses
// to the sentinel text.
func safeDomainMessage(err error) string {
	if errors.Is(err, liveq.ErrInvalidFilter) || errors.Is(err, liveq.ErrInvalidProjection) {
		return err.Error()
	}
	for _, s := range []error{liveq.ErrNotFound, liveq.ErrStorage} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code errorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
