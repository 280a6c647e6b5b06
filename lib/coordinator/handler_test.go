package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend/memory"
	"github.com/backendai/appproxy/lib/circuits"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/slots"
	"github.com/backendai/appproxy/lib/tokens"
)

const (
	testManagerToken = "manager-secret"
	testWorkerToken  = "worker-secret"
)

type testHandler struct {
	h      *Handler
	clock  clockwork.FakeClock
	vault  *tokens.Vault
	reg    *circuits.Registry
	ledger *slots.Ledger
}

func newTestHandler(t *testing.T) *testHandler {
	clock := clockwork.NewFakeClock()
	be, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	bus := events.New(be)
	ledger := slots.New(be)

	reg, err := circuits.New(circuits.Config{Backend: be, Ledger: ledger, Bus: bus, Clock: clock})
	require.NoError(t, err)

	_, privatePEM, err := tokens.GenerateKeyPair()
	require.NoError(t, err)
	rsaKey, err := tokens.ParsePrivateKey(privatePEM)
	require.NoError(t, err)
	jwtKey, err := tokens.NewJWTKey(tokens.JWTConfig{Clock: clock, PrivateKey: rsaKey, CoordinatorID: "coordinator-1"})
	require.NoError(t, err)
	vault, err := tokens.New(tokens.Config{Backend: be, JWT: jwtKey, Clock: clock})
	require.NoError(t, err)

	workers := NewWorkerRegistry(be, ledger, reg, bus, clock)
	endpoints := NewEndpointStore(be, clock)

	h, err := NewHandler(Config{
		Backend:      be,
		Ledger:       ledger,
		Circuits:     reg,
		Endpoints:    endpoints,
		Workers:      workers,
		Vault:        vault,
		Bus:          bus,
		Clock:        clock,
		ManagerToken: testManagerToken,
		WorkerToken:  testWorkerToken,
	})
	require.NoError(t, err)

	return &testHandler{h: h, clock: clock, vault: vault, reg: reg, ledger: ledger}
}

func (th *testHandler) registerWorker(t *testing.T, authority string) *types.Worker {
	body, _ := json.Marshal(types.Worker{
		Authority:        authority,
		FrontendMode:     types.FrontendModePort,
		Protocol:         types.ProtocolHTTP,
		Hostname:         authority + ".example.com",
		PortRange:        []int{10201, 10202, 10203},
		AcceptedTraffics: []types.TrafficClass{types.TrafficInteractive, types.TrafficInference},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/worker", bytes.NewReader(body))
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var w types.Worker
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &w))
	return &w
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
}

func TestManagerEndpointRejectsMissingToken(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health/status", nil)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestManagerEndpointRejectsWrongToken(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health/status", nil)
	req.Header.Set("X-BackendAI-Token", "wrong")
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestWorkerRegistrationAndList(t *testing.T) {
	th := newTestHandler(t)
	th.registerWorker(t, "worker-a")

	req := httptest.NewRequest(http.MethodGet, "/api/worker", nil)
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var workers []types.Worker
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	require.Equal(t, "worker-a", workers[0].Authority)
}

func TestIssueAndRedeemConfirmationCreatesCircuit(t *testing.T) {
	th := newTestHandler(t)
	th.registerWorker(t, "worker-a")

	confBody, _ := json.Marshal(map[string]interface{}{
		"kernel_host": "10.0.0.5",
		"kernel_port": 8080,
		"session":     map[string]string{"user_uuid": "user-1"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v2/conf", bytes.NewReader(confBody))
	req.Header.Set("X-BackendAI-Token", testManagerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var confResp confResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &confResp))
	require.NotEmpty(t, confResp.Token)

	redeemBody, _ := json.Marshal(map[string]interface{}{
		"token":    confResp.Token,
		"app":      "jupyter",
		"protocol": "http",
	})
	req = httptest.NewRequest(http.MethodGet, "/v2/proxy/auth", bytes.NewReader(redeemBody))
	req.Header.Set("Accept", "application/json")
	rw = httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var redeemResp redeemResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &redeemResp))
	require.False(t, redeemResp.Reuse)
	require.Contains(t, redeemResp.RedirectURL, "worker-a.example.com")
}

func TestRedeemConfirmationRejectsUnknownToken(t *testing.T) {
	th := newTestHandler(t)

	redeemBody, _ := json.Marshal(map[string]interface{}{
		"token":    "does-not-exist",
		"app":      "jupyter",
		"protocol": "http",
	})
	req := httptest.NewRequest(http.MethodGet, "/v2/proxy/auth", bytes.NewReader(redeemBody))
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestCircuitGetAndDelete(t *testing.T) {
	th := newTestHandler(t)
	w := th.registerWorker(t, "worker-a")

	c, err := th.reg.Create(context.Background(), circuits.CreateParams{
		Worker:  w,
		Request: types.CreateCircuitRequest{App: "jupyter", Protocol: types.ProtocolHTTP, AppMode: types.AppModeInteractive},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/circuit/"+c.ID, nil)
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/circuit/"+c.ID, nil)
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw = httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusNoContent, rw.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/circuit/"+c.ID, nil)
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw = httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestListSlotsRequiresAuthorityParam(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusInternalServerError, rw.Code)
}

func TestUpsertEndpointCreatesInferenceCircuit(t *testing.T) {
	th := newTestHandler(t)
	th.registerWorker(t, "worker-a")

	body, _ := json.Marshal(map[string]interface{}{
		"service_name": "classifier",
		"apps": map[string]interface{}{
			"classifier": []map[string]interface{}{
				{"kernel_host": "10.0.0.9", "kernel_port": 9000, "protocol": "http", "traffic_ratio": 1},
			},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v2/endpoints/endpoint-1", bytes.NewReader(body))
	req.Header.Set("X-BackendAI-Token", testManagerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var ep types.Endpoint
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &ep))
	require.NotEmpty(t, ep.CircuitID)
}

func TestRemoveWorkerStillOwningCircuitsFails(t *testing.T) {
	th := newTestHandler(t)
	w := th.registerWorker(t, "worker-a")

	_, err := th.reg.Create(context.Background(), circuits.CreateParams{
		Worker:  w,
		Request: types.CreateCircuitRequest{App: "jupyter", Protocol: types.ProtocolHTTP, AppMode: types.AppModeInteractive},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/worker/"+w.ID, nil)
	req.Header.Set("X-BackendAI-Token", testWorkerToken)
	rw := httptest.NewRecorder()
	th.h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}
