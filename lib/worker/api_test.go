package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/config"
)

func newTestAPIWorker() *Worker {
	return &Worker{
		cfg:   &config.WorkerConfig{APISecret: "s3cret"},
		table: newCircuitTable(),
	}
}

func TestAPIHandlerHealthzNeedsNoToken(t *testing.T) {
	w := newTestAPIWorker()
	h := newAPIHandler(w)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
}

func TestAPIHandlerInstallRequiresToken(t *testing.T) {
	w := newTestAPIWorker()
	h := newAPIHandler(w)

	body, _ := json.Marshal(types.Circuit{ID: "circuit-1"})
	req := httptest.NewRequest(http.MethodPut, "/circuits/circuit-1", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestAPIHandlerInstallRejectsWrongToken(t *testing.T) {
	w := newTestAPIWorker()
	h := newAPIHandler(w)

	body, _ := json.Marshal(types.Circuit{ID: "circuit-1"})
	req := httptest.NewRequest(http.MethodPut, "/circuits/circuit-1", bytes.NewReader(body))
	req.Header.Set("X-BackendAI-Token", "wrong")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestAPIHandlerInstallAndUninstall(t *testing.T) {
	w := newTestAPIWorker()
	h := newAPIHandler(w)

	body, _ := json.Marshal(types.Circuit{ID: "circuit-1", FrontendMode: types.FrontendModeWildcard, Subdomain: "abc"})
	req := httptest.NewRequest(http.MethodPut, "/circuits/circuit-1", bytes.NewReader(body))
	req.Header.Set("X-BackendAI-Token", "s3cret")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusNoContent, rw.Code)

	_, ok := w.table.bySlotKey("abc")
	require.True(t, ok)

	req = httptest.NewRequest(http.MethodDelete, "/circuits/circuit-1", nil)
	req.Header.Set("X-BackendAI-Token", "s3cret")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusNoContent, rw.Code)

	_, ok = w.table.bySlotKey("abc")
	require.False(t, ok)
}

func TestAPIHandlerInstallRejectsMalformedBody(t *testing.T) {
	w := newTestAPIWorker()
	h := newAPIHandler(w)

	req := httptest.NewRequest(http.MethodPut, "/circuits/circuit-1", bytes.NewReader([]byte("not json")))
	req.Header.Set("X-BackendAI-Token", "s3cret")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusInternalServerError, rw.Code)
}
