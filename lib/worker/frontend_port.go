package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/defaults"
)

// portListener is one port_range entry's live ingress: either an
// http.Server (for http/h2/grpc circuits) or a raw Accept loop (for tcp
// circuits), following the NEW->READY->ACTIVE->CLOSED state machine of
// spec.md §4.6 at slot granularity.
type portListener struct {
	ln     net.Listener
	srv    *http.Server // nil for raw tcp
	cancel context.CancelFunc
}

// PortFrontend is the port-mode ingress: one listener per port in
// port_range, dispatching to the circuit currently bound to that port.
type PortFrontend struct {
	w        *Worker
	tlsConf  *tls.Config
	mu       sync.Mutex
	ports    map[int]*portListener
	log      *logrus.Entry
}

func newPortFrontend(w *Worker, tlsConf *tls.Config) *PortFrontend {
	return &PortFrontend{
		w:       w,
		tlsConf: tlsConf,
		ports:   make(map[int]*portListener),
		log:     logrus.WithField(trace.Component, defaults.Component("appproxy", "frontend-port")),
	}
}

// Install brings up the ingress for c.Port if it is not already running.
// Re-installing the same port with the same protocol is a no-op,
// matching the idempotent-handler requirement of spec.md §4.5.
func (f *PortFrontend) Install(c *types.Circuit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.ports[c.Port]; ok {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Port))
	if err != nil {
		return trace.Wrap(err, "listening on port %d", c.Port)
	}
	if f.tlsConf != nil {
		ln = tls.NewListener(ln, f.tlsConf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pl := &portListener{ln: ln, cancel: cancel}

	if c.Protocol == types.ProtocolTCP {
		go f.serveRaw(ctx, ln, c.Port)
	} else {
		srv := &http.Server{Handler: f.handlerForPort(c.Port)}
		pl.srv = srv
		go func() {
			if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
				f.log.WithError(err).WithField("port", c.Port).Warn("port frontend listener exited")
			}
		}()
	}

	f.ports[c.Port] = pl
	return nil
}

// Uninstall tears down the ingress for port, if any.
func (f *PortFrontend) Uninstall(port int) {
	f.mu.Lock()
	pl, ok := f.ports[port]
	if ok {
		delete(f.ports, port)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	pl.cancel()
	if pl.srv != nil {
		_ = pl.srv.Close()
	} else {
		_ = pl.ln.Close()
	}
}

func (f *PortFrontend) handlerForPort(port int) http.HandlerFunc {
	key := strconv.Itoa(port)
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := f.w.table.bySlotKey(key)
		if !ok {
			apierr.WriteJSON(w, apierr.NotFound("no circuit bound to port %d", port))
			return
		}
		f.w.serveHTTPCircuit(w, r, c)
	}
}

func (f *PortFrontend) serveRaw(ctx context.Context, ln net.Listener, port int) {
	key := strconv.Itoa(port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.WithError(err).WithField("port", port).Warn("accept failed")
			continue
		}
		c, ok := f.w.table.bySlotKey(key)
		if !ok || len(c.RouteInfo) == 0 {
			_ = conn.Close()
			continue
		}
		if err := checkCIDRAddr(conn.RemoteAddr().String(), c); err != nil {
			f.log.WithField("circuit", c.ID).Debug("tcp connection rejected by cidr check")
			_ = conn.Close()
			continue
		}
		go func() {
			defer conn.Close()
			if err := relayTCP(ctx, conn, c.RouteInfo[0].Addr(), dialTCP); err != nil {
				f.log.WithError(err).WithField("circuit", c.ID).Debug("tcp relay ended")
			}
		}()
	}
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}
