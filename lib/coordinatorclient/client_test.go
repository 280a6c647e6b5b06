package coordinatorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
)

func TestRegisterWorkerSendsTokenAndDecodesResponse(t *testing.T) {
	var gotToken string
	var gotBody types.Worker

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-BackendAI-Token")
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		gotBody.ID = "worker-id-1"
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(gotBody))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "worker-secret")
	require.NoError(t, err)

	out, err := c.RegisterWorker(context.Background(), types.Worker{Authority: "worker-a"})
	require.NoError(t, err)
	require.Equal(t, "worker-secret", gotToken)
	require.Equal(t, "worker-a", gotBody.Authority)
	require.Equal(t, "worker-id-1", out.ID)
}

func TestDeregisterWorkerSendsDelete(t *testing.T) {
	var gotMethod, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "worker-secret")
	require.NoError(t, err)

	require.NoError(t, c.DeregisterWorker(context.Background(), "worker-id-1"))
	require.Equal(t, http.MethodDelete, gotMethod)
	require.Contains(t, gotPath, "worker-id-1")
}

func TestDeregisterWorkerPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "worker-secret")
	require.NoError(t, err)

	err = c.DeregisterWorker(context.Background(), "worker-id-1")
	require.Error(t, err)
}
