package coordinator

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/circuits"
	"github.com/backendai/appproxy/lib/inference"
	"github.com/backendai/appproxy/lib/selector"
)

// --- GET /v2/proxy/:token/:session_id/add (legacy alias) --------------

func (h *Handler) handleLegacyAdd(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	url := fmt.Sprintf("/v2/proxy/auth?token=%s&session_id=%s", p.ByName("token"), p.ByName("session_id"))
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// --- POST/DELETE /v2/endpoints/:id -------------------------------------

type upsertEndpointRequest struct {
	ServiceName        string                         `json:"service_name"`
	Tags                map[string]string              `json:"tags"`
	Apps                map[string][]types.RouteInfo   `json:"apps"`
	OpenToPublic        bool                           `json:"open_to_public"`
	PreferredPort       int                            `json:"preferred_port"`
	PreferredSubdomain  string                         `json:"preferred_subdomain"`
	TTLSeconds          int64                          `json:"ttl_seconds"`
}

// firstAppRoutes picks the routes of the lexicographically-first app name
// in req.Apps: a single circuit carries one route_info list (spec.md §3),
// so a multi-app endpoint update routes through its first app.
func firstAppRoutes(apps map[string][]types.RouteInfo) []types.RouteInfo {
	if len(apps) == 0 {
		return nil
	}
	names := make([]string, 0, len(apps))
	for name := range apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return apps[names[0]]
}

func (h *Handler) handleUpsertEndpoint(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	var req upsertEndpointRequest
	if err := readJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}

	ctx := r.Context()
	ep, err := h.cfg.Endpoints.Get(ctx, id)
	if err != nil {
		if !trace.IsNotFound(err) {
			apierr.WriteJSON(w, err)
			return
		}
		ep = &types.Endpoint{ID: id}
	}
	ep.ServiceName = req.ServiceName
	ep.Tags = req.Tags
	ep.Apps = req.Apps
	ep.OpenToPublic = req.OpenToPublic
	ep.PreferredPort = req.PreferredPort
	ep.PreferredSubdomain = req.PreferredSubdomain
	ep.TTLSeconds = req.TTLSeconds

	routes := firstAppRoutes(req.Apps)

	if ep.CircuitID == "" {
		if len(routes) == 0 {
			apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("apps must contain at least one route to create an endpoint circuit"), "bad request"))
			return
		}
		first := routes[0]
		worker, err := h.sel.Select(ctx, selector.Request{
			Traffic:            types.TrafficInference,
			FrontendMode:       types.FrontendModePort,
			Protocol:           first.Protocol,
			PreferredPort:      req.PreferredPort,
			PreferredSubdomain: req.PreferredSubdomain,
		})
		if err != nil {
			worker, err = h.sel.Select(ctx, selector.Request{
				Traffic:            types.TrafficInference,
				FrontendMode:       types.FrontendModeWildcard,
				Protocol:           first.Protocol,
				PreferredPort:      req.PreferredPort,
				PreferredSubdomain: req.PreferredSubdomain,
			})
			if err != nil {
				apierr.WriteJSON(w, apierr.New(apierr.ECodeWorkerNotResponding, err, "no eligible worker for inference endpoint"))
				return
			}
		}

		circuit, err := h.cfg.Circuits.Create(ctx, circuits.CreateParams{
			Worker: worker,
			Request: types.CreateCircuitRequest{
				Protocol:     first.Protocol,
				AppMode:      types.AppModeInference,
				EndpointID:   id,
				OpenToPublic: req.OpenToPublic,
				KernelHost:   first.KernelHost,
				KernelPort:   first.KernelPort,
				PreferredPort:      req.PreferredPort,
				PreferredSubdomain: req.PreferredSubdomain,
				NoReuse:      true,
			},
		})
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		if _, err := h.cfg.Circuits.UpdateRoutes(ctx, circuit.ID, routes); err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		ep.CircuitID = circuit.ID
	} else if len(routes) > 0 {
		if _, err := h.cfg.Circuits.UpdateRoutes(ctx, ep.CircuitID, routes); err != nil {
			apierr.WriteJSON(w, err)
			return
		}
	}

	if err := h.cfg.Endpoints.Put(ctx, ep); err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ep)
}

func (h *Handler) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	ctx := r.Context()

	ep, err := h.cfg.Endpoints.Get(ctx, id)
	if err != nil {
		if trace.IsNotFound(err) {
			apierr.WriteJSON(w, apierr.NotFound("endpoint %q not found", id))
			return
		}
		apierr.WriteJSON(w, err)
		return
	}

	if ep.CircuitID != "" {
		if err := h.cfg.Circuits.Remove(ctx, ep.CircuitID); err != nil && !trace.IsNotFound(err) {
			apierr.WriteJSON(w, err)
			return
		}
	}
	if err := h.cfg.Endpoints.Delete(ctx, id); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- POST /v2/endpoints/:id/token --------------------------------------

type issueTokenRequest struct {
	UserID string `json:"user_uuid"`
	Exp    time.Time `json:"exp"`
}

type issueTokenResponse struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"exp"`
}

func (h *Handler) handleIssueEndpointToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	var req issueTokenRequest
	if err := readJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}
	if req.UserID == "" || req.Exp.IsZero() {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("user_uuid and exp are required"), "bad request"))
		return
	}

	tok, err := h.cfg.Vault.IssueAPIToken(r.Context(), id, req.UserID, req.Exp)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueTokenResponse{Token: tok.Token, Exp: tok.ExpiresAt})
}

// --- /api/circuit/* -----------------------------------------------------

// circuitRest splits the catch-all "rest" param (leading-slash-prefixed)
// into its path segments.
func circuitRest(p httprouter.Params) []string {
	rest := strings.Trim(p.ByName("rest"), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func (h *Handler) handleCircuitGet(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	segs := circuitRest(p)
	switch len(segs) {
	case 1:
		h.getCircuit(w, r, segs[0])
	case 2:
		if segs[1] != "statistics" {
			apierr.WriteJSON(w, apierr.NotFound("unknown circuit route"))
			return
		}
		h.getCircuitStatistics(w, r, segs[0])
	default:
		apierr.WriteJSON(w, apierr.NotFound("unknown circuit route"))
	}
}

func (h *Handler) getCircuit(w http.ResponseWriter, r *http.Request, id string) {
	c, err := h.cfg.Circuits.Get(r.Context(), id)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type circuitStatisticsResponse struct {
	Requests   int64     `json:"requests"`
	LastAccess time.Time `json:"last_access"`
	TTL        int64     `json:"ttl"`
}

func (h *Handler) getCircuitStatistics(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	c, err := h.cfg.Circuits.Get(ctx, id)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	stats, err := inference.GetStats(ctx, h.cfg.Backend, id)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	var ttl int64
	if c.EndpointID != "" {
		if ep, err := h.cfg.Endpoints.Get(ctx, c.EndpointID); err == nil {
			ttl = ep.TTLSeconds
		}
	}

	writeJSON(w, http.StatusOK, circuitStatisticsResponse{
		Requests:   stats.Requests,
		LastAccess: stats.LastAccess,
		TTL:        ttl,
	})
}

type bulkRemoveRequest struct {
	IDs []string `json:"ids"`
}

type bulkRemoveResponse struct {
	Removed []string          `json:"removed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (h *Handler) handleCircuitDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	segs := circuitRest(p)

	if len(segs) == 2 && segs[0] == "_" && segs[1] == "bulk" {
		h.bulkRemoveCircuits(w, r)
		return
	}
	if len(segs) != 1 {
		apierr.WriteJSON(w, apierr.NotFound("unknown circuit route"))
		return
	}

	if err := h.cfg.Circuits.Remove(r.Context(), segs[0]); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) bulkRemoveCircuits(w http.ResponseWriter, r *http.Request) {
	var req bulkRemoveRequest
	if err := readJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}

	resp := bulkRemoveResponse{Errors: map[string]string{}}
	for _, id := range req.IDs {
		if err := h.cfg.Circuits.Remove(r.Context(), id); err != nil {
			resp.Errors[id] = err.Error()
			continue
		}
		resp.Removed = append(resp.Removed, id)
	}
	if len(resp.Errors) == 0 {
		resp.Errors = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /api/slots ------------------------------------------------------

func (h *Handler) handleListSlots(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	authority := r.URL.Query().Get("authority")
	if authority == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("authority query parameter is required"), "bad request"))
		return
	}

	keys, err := h.cfg.Ledger.List(r.Context(), authority)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	// in_use defaults to true: the ledger only tracks occupied keys, so
	// in_use=false has nothing to report for a bounded port universe and
	// the unbounded wildcard universe cannot be enumerated beyond that.
	inUse := true
	if v := r.URL.Query().Get("in_use"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("invalid in_use value %q", v), "bad request"))
			return
		}
		inUse = parsed
	}
	if !inUse {
		keys = nil
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"authority": authority, "slots": keys})
}

// --- /api/worker* ----------------------------------------------------------

func (h *Handler) handleRegisterWorker(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var worker types.Worker
	if err := readJSON(r, &worker); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}
	if worker.Authority == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("authority is required"), "bad request"))
		return
	}

	out, err := h.cfg.Workers.Register(r.Context(), worker)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeWorkerRegistrationFailed, err, "worker registration failed"))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListWorkers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	workers, err := h.cfg.Workers.ListWorkers(r.Context())
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (h *Handler) handleGetWorker(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	worker, err := h.cfg.Workers.GetByID(r.Context(), p.ByName("id"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type patchWorkerRequest struct {
	FilteredAppsOnly *bool              `json:"filtered_apps_only,omitempty"`
	AppFilters       []types.AppFilter  `json:"app_filters,omitempty"`
	AcceptedTraffics []types.TrafficClass `json:"accepted_traffics,omitempty"`
}

func (h *Handler) handlePatchWorker(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ctx := r.Context()
	worker, err := h.cfg.Workers.GetByID(ctx, p.ByName("id"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	var req patchWorkerRequest
	if err := readJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}
	if req.FilteredAppsOnly != nil {
		worker.FilteredAppsOnly = *req.FilteredAppsOnly
	}
	if req.AppFilters != nil {
		worker.AppFilters = req.AppFilters
	}
	if req.AcceptedTraffics != nil {
		worker.AcceptedTraffics = req.AcceptedTraffics
	}

	out, err := h.cfg.Workers.Register(ctx, *worker)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRemoveWorker(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := h.cfg.Workers.Remove(r.Context(), p.ByName("id")); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListWorkerCircuits(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ctx := r.Context()
	worker, err := h.cfg.Workers.GetByID(ctx, p.ByName("id"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	list, err := h.cfg.Circuits.ListByWorker(ctx, worker.Authority)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- /health -------------------------------------------------------------

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workerHealth struct {
	Authority string `json:"authority"`
	Nodes     int    `json:"nodes"`
	Circuits  int    `json:"circuits"`
}

func (h *Handler) handleHealthStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	workers, err := h.cfg.Workers.ListWorkers(ctx)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	report := make([]workerHealth, 0, len(workers))
	for _, worker := range workers {
		count, err := h.cfg.Circuits.CountByWorker(ctx, worker.Authority)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		report = append(report, workerHealth{Authority: worker.Authority, Nodes: worker.Nodes, Circuits: count})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "workers": report})
}
