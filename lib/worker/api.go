package worker

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/apierr"
)

func readJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// apiHandler is the minimal HTTP surface a coordinator calls on a worker
// (spec.md §6, "Wire API (worker)"): install/refresh a circuit, uninstall
// it, and probe liveness. Authentication with the shared worker secret is
// applied by the caller (coordinator/workerclient.Client) injecting
// X-BackendAI-Token, verified here the same way the coordinator verifies
// its own Worker audience.
type apiHandler struct {
	w      *Worker
	router *httprouter.Router
}

func newAPIHandler(w *Worker) *apiHandler {
	h := &apiHandler{w: w, router: httprouter.New()}
	h.router.PUT("/circuits/:id", h.authenticated(h.install))
	h.router.DELETE("/circuits/:id", h.authenticated(h.uninstall))
	h.router.GET("/healthz", h.healthz)
	return h
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *apiHandler) authenticated(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := r.Header.Get("X-BackendAI-Token")
		if token == "" {
			apierr.WriteJSON(w, apierr.New(apierr.ECodeMissingAuthToken, trace.AccessDenied("missing token"), "missing X-BackendAI-Token header"))
			return
		}
		if token != h.w.cfg.APISecret {
			apierr.WriteJSON(w, apierr.New(apierr.ECodeInvalidAuthToken, trace.AccessDenied("token mismatch"), "invalid X-BackendAI-Token header"))
			return
		}
		next(w, r, p)
	}
}

func (h *apiHandler) install(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var c types.Circuit
	if err := readJSONBody(r, &c); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "malformed circuit body"))
		return
	}
	if err := h.w.InstallCircuit(&c); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) uninstall(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h.w.UninstallCircuit(p.ByName("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
