// Package worker implements the Worker Agent and Proxy Frontend (spec.md
// §4.5, §4.6): registering with the coordinator, converging local proxy
// handlers from the circuit-lifecycle event stream, and serving
// interactive and inference traffic through admission-checked reverse
// proxies.
package worker

import (
	"context"
	"crypto/tls"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/config"
	"github.com/backendai/appproxy/lib/coordinatorclient"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/inference"
	"github.com/backendai/appproxy/lib/tokens"
)

// Worker is the running worker process: its local circuit table, the
// coordinator client it registers and heartbeats through, the event
// subscription it converges from, and whichever proxy frontend its
// frontend_mode selects.
type Worker struct {
	cfg    *config.WorkerConfig
	be     backend.Backend
	bus    *events.Bus
	coord  *coordinatorclient.Client
	vault  *tokens.Vault
	proxy  *httpProxy
	tracker *inference.LastAccessTracker
	table  *circuitTable
	clock  clockwork.Clock
	log    *logrus.Entry

	portFrontend     *PortFrontend
	wildcardFrontend *WildcardFrontend
	api              *http.Server
}

// New wires a Worker from cfg. be and bus must point at the same shared
// store the coordinator uses.
func New(cfg *config.WorkerConfig, be backend.Backend, bus *events.Bus, clock clockwork.Clock) (*Worker, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	pubKey, err := tokens.LoadPublicKey(cfg.JWTPublicKeyFile)
	if err != nil {
		return nil, trace.Wrap(err, "loading jwt public key")
	}
	jwtKey, err := tokens.NewJWTKey(tokens.JWTConfig{
		Clock:         clock,
		PublicKey:     pubKey,
		CoordinatorID: cfg.CoordinatorURL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	vault, err := tokens.New(tokens.Config{Backend: be, JWT: jwtKey, Clock: clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	coord, err := coordinatorclient.New(cfg.CoordinatorURL, cfg.APISecret)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	proxy, err := newHTTPProxy()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	w := &Worker{
		cfg:     cfg,
		be:      be,
		bus:     bus,
		coord:   coord,
		vault:   vault,
		proxy:   proxy,
		tracker: inference.NewLastAccessTracker(be, clock),
		table:   newCircuitTable(),
		clock:   clock,
		log:     logrus.WithField(trace.Component, defaults.Component("appproxy", "worker")),
	}

	var tlsConf *tls.Config
	if cfg.UseTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, trace.Wrap(err, "loading worker tls certificate")
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	switch cfg.FrontendMode {
	case types.FrontendModePort:
		w.portFrontend = newPortFrontend(w, tlsConf)
	case types.FrontendModeWildcard:
		if tlsConf == nil {
			return nil, trace.BadParameter("wildcard frontend requires use_tls")
		}
		w.wildcardFrontend = newWildcardFrontend(w, ":443", tlsConf)
	}

	w.api = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.APIPort),
		Handler: newAPIHandler(w),
	}

	return w, nil
}

// Run registers with the coordinator, then blocks serving the API
// surface, the proxy frontend, the event subscription loop, the
// heartbeat loop and the last-access flush loop until ctx is done or one
// of them fails. The group cancels every other goroutine's context as
// soon as one returns an error, the way the teacher's lib/cache.Cache
// tears down its fanout on the first failure.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return trace.Wrap(err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		w.tracker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		w.eventLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = w.api.Close()
		return nil
	})
	g.Go(func() error {
		if err := w.api.ListenAndServe(); err != nil && ctx.Err() == nil {
			return trace.Wrap(err, "worker api server exited")
		}
		return nil
	})
	if w.wildcardFrontend != nil {
		g.Go(func() error {
			return w.wildcardFrontend.Run(ctx)
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	return trace.Wrap(g.Wait())
}

func (w *Worker) register(ctx context.Context) error {
	reg, err := w.coord.RegisterWorker(ctx, w.cfg.Worker())
	if err != nil {
		return apierr.New(apierr.ECodeWorkerRegistrationFailed, err, "worker registration failed")
	}
	w.log.WithField("id", reg.ID).Info("registered with coordinator")
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := w.register(ctx); err != nil {
				w.log.WithError(err).Warn("heartbeat re-registration failed")
			}
		}
	}
}

// eventLoop subscribes to the shared events topic and converges the
// local circuit table and proxy handlers from circuit-lifecycle events
// addressed to this worker's authority (spec.md §4.5).
func (w *Worker) eventLoop(ctx context.Context) {
	sub, err := w.bus.Subscribe(ctx)
	if err != nil {
		w.log.WithError(err).Error("failed to subscribe to events topic")
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			w.handleEvent(env)
		}
	}
}

func (w *Worker) handleEvent(env events.Envelope) {
	switch env.Kind {
	case events.KindCircuitCreated, events.KindCircuitUpdated:
		if env.Circuit == nil || env.Circuit.Worker != w.cfg.AdvertisedHost {
			return
		}
		if err := w.InstallCircuit(env.Circuit); err != nil {
			w.log.WithError(err).WithField("circuit", env.Circuit.ID).Warn("failed to converge circuit install from event")
		}
	case events.KindCircuitRemoved:
		if env.Circuit == nil || env.Circuit.Worker != w.cfg.AdvertisedHost {
			return
		}
		w.UninstallCircuit(env.Circuit.ID)
	}
}

// InstallCircuit brings up (or refreshes) the proxy handler for c. It is
// idempotent, satisfying spec.md §4.5's "worker must still converge from
// the event stream" requirement regardless of whether the coordinator's
// direct RPC or an event delivers it first.
func (w *Worker) InstallCircuit(c *types.Circuit) error {
	w.table.put(c)
	if w.portFrontend != nil && c.FrontendMode == types.FrontendModePort {
		return trace.Wrap(w.portFrontend.Install(c))
	}
	return nil
}

// UninstallCircuit tears down the handler for circuitID, if any.
func (w *Worker) UninstallCircuit(circuitID string) {
	snapshot := w.table.snapshot()
	for _, existing := range snapshot {
		if existing.ID != circuitID {
			continue
		}
		if w.portFrontend != nil && existing.FrontendMode == types.FrontendModePort {
			w.portFrontend.Uninstall(existing.Port)
		}
	}
	w.table.remove(circuitID)
}

// serveHTTPCircuit runs the admission policy chain and, on success,
// forwards the request to c's backend.
func (w *Worker) serveHTTPCircuit(rw http.ResponseWriter, r *http.Request, c *types.Circuit) {
	if err := w.admit(r.Context(), r, c); err != nil {
		apierr.WriteJSON(rw, err)
		return
	}
	if err := w.proxy.ServeCircuit(rw, r, c, w.tracker); err != nil {
		apierr.WriteJSON(rw, apierr.New(apierr.ECodeBackendDied, err, "backend connection failed"))
	}
}
