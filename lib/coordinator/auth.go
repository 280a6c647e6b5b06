package coordinator

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/backendai/appproxy/lib/apierr"
)

// audience distinguishes the two disjoint bearer-token classes the wire
// API accepts on X-BackendAI-Token (spec.md §6).
type audience int

const (
	audienceManager audience = iota
	audienceWorker
)

// authenticate wraps a handler, rejecting requests whose X-BackendAI-Token
// header does not match the configured secret for want.
func (h *Handler) authenticate(want audience, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := r.Header.Get("X-BackendAI-Token")
		if token == "" {
			apierr.WriteJSON(w, apierr.New(apierr.ECodeMissingAuthToken, trace.AccessDenied("missing token"), "missing X-BackendAI-Token header"))
			return
		}

		var expected string
		switch want {
		case audienceManager:
			expected = h.cfg.ManagerToken
		case audienceWorker:
			expected = h.cfg.WorkerToken
		}

		if expected == "" || token != expected {
			apierr.WriteJSON(w, apierr.New(apierr.ECodeInvalidAuthToken, trace.AccessDenied("token mismatch"), "invalid X-BackendAI-Token header"))
			return
		}

		next(w, r, p)
	}
}
