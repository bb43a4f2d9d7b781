package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrn/sigil/config"
	"github.com/dcrn/sigil/engine"
)

const testDoc = `id: api-errors
version: 1.0.0
name: API error shape
description: Error responses share one envelope.
files:
  - internal/api/errors.go
applies_to: internal/api/**
`

func newTestServer(t *testing.T) (*Server, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Contracts.Dir = filepath.Join(dir, "contracts")
	cfg.Contracts.Root = dir
	cfg.Tests.Sources = []string{filepath.Join(dir, "tests")}
	cfg.Notes = "Error codes are registered in docs/errors.md."
	require.NoError(t, os.MkdirAll(cfg.Contracts.Dir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Tests.Sources[0], 0o755))

	path := filepath.Join(cfg.Contracts.Dir, "api-errors.contract.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDoc), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(cfg, logger, nil)
	require.NoError(t, err)
	return New(cfg, e, logger), cfg
}

func doJSON(t *testing.T, h http.Handler, method, target, sess string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if sess != "" {
		req.Header.Set(SessionHeader, sess)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSessionHeaderAssignment(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/contracts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(SessionHeader))

	rec = doJSON(t, h, http.MethodGet, "/api/contracts", "my-session", nil)
	assert.Equal(t, "my-session", rec.Header().Get(SessionHeader))
}

func TestListThenGet(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	// Get before discovery is a precondition failure.
	rec := doJSON(t, h, http.MethodGet, "/api/contracts/api-errors", "s1", nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[engine.ListResult](t, rec)
	require.Len(t, list.Contracts, 1)
	assert.Equal(t, "api-errors", list.Contracts[0].ID)

	rec = doJSON(t, h, http.MethodGet, "/api/contracts/api-errors", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[engine.GetResult](t, rec)
	assert.Equal(t, "1.0.0", got.Contract.Version)
}

func TestGetUnknownContract(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)
	rec := doJSON(t, h, http.MethodGet, "/api/contracts/nope", "s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAffectedBy(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/contracts/affected", "s1",
		PathsRequest{Paths: []string{"internal/api/handler.go"}})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[engine.AffectedResult](t, rec)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "api-errors", res.Matches[0].Summary.ID)

	// Affected-by discovered the contract for this session.
	rec = doJSON(t, h, http.MethodGet, "/api/contracts/api-errors", "s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateUpdateDelete(t *testing.T) {
	s, cfg := newTestServer(t)
	h := s.Handler()

	body := map[string]any{
		"id":          "queue-backoff",
		"version":     "1.0.0",
		"name":        "Queue retry backoff",
		"description": "Retries back off exponentially.",
	}
	rec := doJSON(t, h, http.MethodPost, "/api/contracts", "s1", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[engine.CreateResult](t, rec)
	assert.FileExists(t, created.Path)

	// Duplicate create conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/contracts", "s1", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The creating session holds retrieval, so update works directly.
	rec = doJSON(t, h, http.MethodPatch, "/api/contracts/queue-backoff", "s1",
		UpdateRequest{Patch: map[string]any{"version": "1.1.0"}, Message: "tighten backoff"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[engine.UpdateResult](t, rec)
	assert.Equal(t, "1.1.0", updated.Contract.Version)
	assert.Contains(t, updated.Diff, "+version: 1.1.0")

	// Version regression is rejected.
	rec = doJSON(t, h, http.MethodPatch, "/api/contracts/queue-backoff", "s1",
		UpdateRequest{Patch: map[string]any{"version": "0.5.0"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/contracts/queue-backoff", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoFileExists(t, filepath.Join(cfg.Contracts.Dir, "queue-backoff.contract.yaml"))
}

func TestUpdateRequiresPatch(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)
	doJSON(t, h, http.MethodGet, "/api/contracts/api-errors", "s1", nil)

	rec := doJSON(t, h, http.MethodPatch, "/api/contracts/api-errors", "s1", UpdateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateBeforeRetrievalFails(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)
	rec := doJSON(t, h, http.MethodPatch, "/api/contracts/api-errors", "s1",
		UpdateRequest{Patch: map[string]any{"version": "1.1.0"}})
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}

func TestValidateEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/contracts/validate", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/contracts/api-errors/validate", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/contracts/nope/validate", "s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotesAndInstructions(t *testing.T) {
	s, cfg := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/contracts/notes", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	notes := decode[map[string]string](t, rec)
	assert.Equal(t, cfg.Notes, notes["notes"])

	rec = doJSON(t, h, http.MethodGet, "/api/contracts/instructions", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	instr := decode[map[string]string](t, rec)
	assert.Contains(t, instr["instructions"], "Discover")
}

func TestSessionEnd(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)
	rec := doJSON(t, h, http.MethodPost, "/api/contracts/session/end", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/contracts/api-errors", "s1", nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}

func TestReloadEndpoint(t *testing.T) {
	s, cfg := newTestServer(t)
	h := s.Handler()

	doc := `id: storage-tx
version: 1.0.0
name: Transactional writes
description: Writes happen inside a transaction.
`
	path := filepath.Join(cfg.Contracts.Dir, "storage-tx.contract.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rec := doJSON(t, h, http.MethodPost, "/api/contracts/reload", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)
	list := decode[engine.ListResult](t, rec)
	assert.Len(t, list.Contracts, 2)
}

func TestMetricsAndHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/api/contracts", "s1", nil)

	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sigil_requests_total")
}

func TestInvalidBody(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/contracts/affected", bytes.NewBufferString("{not json"))
	req.Header.Set(SessionHeader, "s1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
