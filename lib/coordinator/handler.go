package coordinator

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/circuits"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/selector"
	"github.com/backendai/appproxy/lib/slots"
	"github.com/backendai/appproxy/lib/tokens"
)

// Config configures a Handler.
type Config struct {
	Backend   backend.Backend
	Ledger    *slots.Ledger
	Circuits  *circuits.Registry
	Endpoints *EndpointStore
	Workers   *WorkerRegistry
	Vault     *tokens.Vault
	Bus       *events.Bus
	Clock     clockwork.Clock

	// ManagerToken and WorkerToken are the two disjoint X-BackendAI-Token
	// audiences the wire API authenticates against.
	ManagerToken string
	WorkerToken  string
}

func (c *Config) checkAndSetDefaults() error {
	if c.Backend == nil || c.Ledger == nil || c.Circuits == nil || c.Endpoints == nil || c.Workers == nil || c.Vault == nil || c.Bus == nil {
		return trace.BadParameter("backend, ledger, circuits, endpoints, workers, vault and bus are all required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ManagerToken == "" || c.WorkerToken == "" {
		return trace.BadParameter("manager and worker tokens are both required")
	}
	return nil
}

// Handler implements the coordinator's HTTP surface described in spec.md
// §6, in the teacher's lib/web.Handler style: one struct owning the
// wired-together components, with an httprouter.Router dispatching to its
// methods.
type Handler struct {
	cfg      Config
	sel      *selector.Selector
	router   *httprouter.Router
	log      *logrus.Entry
}

// NewHandler builds a Handler and registers all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	h := &Handler{
		cfg:    cfg,
		sel:    selector.New(cfg.Workers),
		router: httprouter.New(),
		log:    logrus.WithField(trace.Component, defaults.Component("appproxy", "coordinator")),
	}
	h.registerRoutes()
	return h, nil
}

func (h *Handler) registerRoutes() {
	r := h.router

	r.POST("/v2/conf", h.authenticate(audienceManager, h.handleIssueConfirmation))
	// /v2/proxy/auth and the legacy /v2/proxy/{token}/{session_id}/add share
	// one segment position, so they share a catch-all (see /api/circuit below).
	r.GET("/v2/proxy/*rest", func(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
		parts := strings.Split(strings.Trim(p.ByName("rest"), "/"), "/")
		switch {
		case len(parts) == 1 && parts[0] == "auth":
			h.handleRedeemConfirmation(w, req, p)
		case len(parts) == 3 && parts[2] == "add":
			h.handleLegacyAdd(w, req, httprouter.Params{{Key: "token", Value: parts[0]}, {Key: "session_id", Value: parts[1]}})
		default:
			apierr.WriteJSON(w, apierr.NotFound("unknown /v2/proxy route"))
		}
	})

	r.POST("/v2/endpoints/:id", h.authenticate(audienceManager, h.handleUpsertEndpoint))
	r.DELETE("/v2/endpoints/:id", h.authenticate(audienceManager, h.handleRemoveEndpoint))
	r.POST("/v2/endpoints/:id/token", h.authenticate(audienceManager, h.handleIssueEndpointToken))

	// /api/circuit/{id}, /api/circuit/{id}/statistics and the literal
	// /api/circuit/_/bulk all share the first path segment after
	// "circuit/"; httprouter does not allow a wildcard param and a static
	// segment to compete at the same tree position, so each method is
	// dispatched through a single catch-all route instead.
	r.GET("/api/circuit/*rest", h.authenticate(audienceWorker, h.handleCircuitGet))
	r.DELETE("/api/circuit/*rest", h.authenticate(audienceWorker, h.handleCircuitDelete))

	r.GET("/api/slots", h.authenticate(audienceWorker, h.handleListSlots))

	r.PUT("/api/worker", h.authenticate(audienceWorker, h.handleRegisterWorker))
	r.GET("/api/worker", h.authenticate(audienceWorker, h.handleListWorkers))
	r.GET("/api/worker/:id", h.authenticate(audienceWorker, h.handleGetWorker))
	r.PATCH("/api/worker/:id", h.authenticate(audienceWorker, h.handlePatchWorker))
	r.DELETE("/api/worker/:id", h.authenticate(audienceWorker, h.handleRemoveWorker))
	r.GET("/api/worker/:id/circuits", h.authenticate(audienceWorker, h.handleListWorkerCircuits))

	r.GET("/health", h.handleHealth)
	r.GET("/health/status", h.authenticate(audienceManager, h.handleHealthStatus))
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}
