package worker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/config"
)

func TestSubdomainLabelExtractsLeftmostLabel(t *testing.T) {
	require.Equal(t, "abc123", subdomainLabel("abc123.apps.example.com", "apps.example.com"))
	require.Equal(t, "abc123", subdomainLabel("abc123.apps.example.com:443", "apps.example.com"))
	require.Equal(t, "", subdomainLabel("apps.example.com", "apps.example.com"))
	require.Equal(t, "", subdomainLabel("evil.com", "apps.example.com"))
}

func TestSubdomainLabelIsCaseInsensitive(t *testing.T) {
	require.Equal(t, "abc123", subdomainLabel("ABC123.Apps.Example.com", "apps.example.com"))
}

func newTestWildcardFrontend() (*WildcardFrontend, *Worker) {
	w := &Worker{
		cfg:   &config.WorkerConfig{WildcardDomain: "apps.example.com"},
		table: newCircuitTable(),
	}
	return newWildcardFrontend(w, ":443", nil), w
}

func TestWildcardServeRejectsUnknownHost(t *testing.T) {
	f, _ := newTestWildcardFrontend()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "evil.com"
	rw := httptest.NewRecorder()
	f.serve(rw, req)

	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestWildcardServeRejectsUnboundSubdomain(t *testing.T) {
	f, _ := newTestWildcardFrontend()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "nope.apps.example.com"
	rw := httptest.NewRecorder()
	f.serve(rw, req)

	require.Equal(t, http.StatusNotFound, rw.Code)
}

func TestWildcardServeDispatchesToBoundCircuit(t *testing.T) {
	f, w := newTestWildcardFrontend()
	w.table.put(&types.Circuit{
		ID:           "circuit-1",
		FrontendMode: types.FrontendModeWildcard,
		Subdomain:    "abc123",
		AppMode:      types.AppModeInteractive,
		OpenToPublic: true,
		Protocol:     types.ProtocolHTTP,
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "abc123.apps.example.com"
	rw := httptest.NewRecorder()
	f.serve(rw, req)

	require.NotEqual(t, http.StatusNotFound, rw.Code)
}
