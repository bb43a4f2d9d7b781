package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/engine"
	"github.com/dcrn/sigil/session"
	"github.com/dcrn/sigil/store"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// SessionHeader carries the caller's session identity. When absent the
// server assigns a fresh UUID; either way the effective id is echoed on
// the response so the caller can continue the session.
const SessionHeader = "X-Sigil-Session"

// RegisterHTTPHandlers registers the contract API under the given prefix
// (without a trailing slash, e.g. "/api/contracts"):
//
//	GET    <prefix>                    list (?domain=, ?tag=)
//	POST   <prefix>                    create
//	GET    <prefix>/{id}               get (?deep=true)
//	PATCH  <prefix>/{id}               update
//	POST   <prefix>/{id}               update
//	DELETE <prefix>/{id}               delete
//	POST   <prefix>/affected           affected-by
//	POST   <prefix>/review             changeset review
//	POST   <prefix>/validate           validate all
//	POST   <prefix>/{id}/validate      validate one
//	GET    <prefix>/{id}/related       related contracts
//	GET    <prefix>/{id}/tests         linked tests
//	GET    <prefix>/health             health report
//	GET    <prefix>/notes              project notes
//	GET    <prefix>/instructions       agent instructions
//	POST   <prefix>/reload             reload from disk
//	POST   <prefix>/session/end        end the caller's session
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("GET "+prefix, s.instrument("list", s.handleList))
	mux.HandleFunc("POST "+prefix, s.instrument("create", s.handleCreate))
	mux.HandleFunc("POST "+prefix+"/affected", s.instrument("affected", s.handleAffected))
	mux.HandleFunc("POST "+prefix+"/review", s.instrument("review", s.handleReview))
	mux.HandleFunc("POST "+prefix+"/validate", s.instrument("validate_all", s.handleValidateAll))
	mux.HandleFunc("GET "+prefix+"/health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET "+prefix+"/notes", s.instrument("notes", s.handleNotes))
	mux.HandleFunc("GET "+prefix+"/instructions", s.instrument("instructions", s.handleInstructions))
	mux.HandleFunc("POST "+prefix+"/reload", s.instrument("reload", s.handleReload))
	mux.HandleFunc("POST "+prefix+"/session/end", s.instrument("session_end", s.handleSessionEnd))
	mux.HandleFunc("GET "+prefix+"/{id}", s.instrument("get", s.handleGet))
	mux.HandleFunc("PATCH "+prefix+"/{id}", s.instrument("update", s.handleUpdate))
	mux.HandleFunc("POST "+prefix+"/{id}", s.instrument("update", s.handleUpdate))
	mux.HandleFunc("DELETE "+prefix+"/{id}", s.instrument("delete", s.handleDelete))
	mux.HandleFunc("POST "+prefix+"/{id}/validate", s.instrument("validate", s.handleValidate))
	mux.HandleFunc("GET "+prefix+"/{id}/related", s.instrument("related", s.handleRelated))
	mux.HandleFunc("GET "+prefix+"/{id}/tests", s.instrument("tests", s.handleTests))
}

// sessionID returns the caller's session id, assigning one when the
// header is absent, and echoes it on the response.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	sess := r.Header.Get(SessionHeader)
	if sess == "" {
		sess = uuid.NewString()
	}
	w.Header().Set(SessionHeader, sess)
	return sess
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)
	q := r.URL.Query()
	filter := engine.ListFilter{
		Domain: q.Get("domain"),
		Tags:   q["tag"],
	}
	writeJSON(w, http.StatusOK, s.engine.List(sess, filter))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)
	deep := r.URL.Query().Get("deep") == "true"

	res, err := s.engine.Get(sess, r.PathValue("id"), deep)
	if err != nil {
		s.writeError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PathsRequest is the body for the affected-by and review endpoints.
// Diff only applies to review; it is echoed back, never interpreted.
type PathsRequest struct {
	Paths []string `json:"paths"`
	Diff  string   `json:"diff,omitempty"`
}

func (s *Server) handleAffected(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)

	var req PathsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, "affected", err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AffectedBy(sess, req.Paths))
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)

	var req PathsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, "review", err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ReviewChangeset(sess, req.Paths, req.Diff))
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)

	related, err := s.engine.Related(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "related", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related})
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)

	links, err := s.engine.LinkedTests(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "tests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (s *Server) handleValidateAll(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)

	report := s.engine.ValidateAll()
	s.metrics.ObserveDefects(report.Counts())
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)

	report, err := s.engine.Validate(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "validate", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)

	h := s.engine.Health()
	s.metrics.ObserveDefects(h.Counts)
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"notes": s.engine.Notes()})
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"instructions": s.engine.Instructions()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)

	var c contract.Contract
	if err := decodeBody(w, r, &c); err != nil {
		s.writeError(w, "create", err)
		return
	}
	if c.Priority == "" {
		c.Priority = contract.PriorityMust
	}
	if c.Status == "" {
		c.Status = contract.StatusActive
	}

	res, err := s.engine.Create(r.Context(), sess, &c)
	if err != nil {
		s.writeError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// UpdateRequest is the body for the update endpoint. Patch is a shallow
// top-level field merge; Message, when set, becomes a changelog entry.
type UpdateRequest struct {
	Patch   map[string]any `json:"patch"`
	Message string         `json:"message,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)

	var req UpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, "update", err)
		return
	}
	if len(req.Patch) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("patch is required"))
		return
	}

	res, err := s.engine.Update(r.Context(), sess, r.PathValue("id"), req.Patch, req.Message)
	if err != nil {
		s.writeError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)

	res, err := s.engine.Delete(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		s.writeError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.sessionID(w, r)

	if err := s.engine.Reload(r.Context()); err != nil {
		s.writeError(w, "reload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionID(w, r)
	s.engine.EndSession(sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "session ended"})
}

// decodeBody decodes a size-limited JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &badRequestError{err}
	}
	return nil
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return "invalid request body: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// writeError maps engine errors to HTTP statuses. Session-ordering
// violations are precondition failures, mutation races and duplicates
// are conflicts, document problems are unprocessable.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError

	var ordErr *session.OrderingError
	var badReq *badRequestError
	var parseErr *contract.ParseError
	switch {
	case errors.As(err, &badReq):
		status = http.StatusBadRequest
	case errors.As(err, &ordErr):
		status = http.StatusPreconditionRequired
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateID), errors.Is(err, store.ErrMutationConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrIDImmutable), errors.Is(err, store.ErrVersionRegression):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &parseErr):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("operation failed", "op", op, "error", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to recover.
		_ = err
	}
}
