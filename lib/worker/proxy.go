package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/oxy/forward"
	"github.com/gravitational/oxy/utils"
	"github.com/gravitational/trace"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/inference"
	"github.com/backendai/appproxy/lib/metrics"
)

// httpProxy reverse-proxies http/h2/grpc circuits via a gravitational/oxy
// forward.Forwarder, modeled on the teacher's lib/srv/app SigningService
// construction (forward.New with PassHostHeader and a custom
// ErrorHandler).
type httpProxy struct {
	fwd *forward.Forwarder
}

func newHTTPProxy() (*httpProxy, error) {
	fwd, err := forward.New(
		forward.PassHostHeader(true),
		forward.ErrorHandler(utils.ErrorHandlerFunc(forwardError)),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &httpProxy{fwd: fwd}, nil
}

func forwardError(w http.ResponseWriter, r *http.Request, err error) {
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(trace.Wrap(err, "backend connection failed").Error()))
}

// ServeCircuit picks a backend route for c (single entry for interactive,
// weighted-random for inference), rewrites r.URL to target it and
// forwards, upgrading to a raw websocket relay if the request asks for
// one.
func (p *httpProxy) ServeCircuit(w http.ResponseWriter, r *http.Request, c *types.Circuit, tracker *inference.LastAccessTracker) error {
	route, err := p.pickRoute(c)
	if err != nil {
		return trace.Wrap(err)
	}

	if c.AppMode == types.AppModeInference {
		metrics.InferenceRouteSelections.WithLabelValues(c.ID).Inc()
		if tracker != nil {
			tracker.Touch(c.ID)
		}
	}

	target := &url.URL{Scheme: "http", Host: route.Addr()}

	if isWebsocketUpgrade(r) {
		return relayWebsocket(w, r, target)
	}

	r.URL.Scheme = target.Scheme
	r.URL.Host = target.Host
	p.fwd.ServeHTTP(w, r)
	return nil
}

func (p *httpProxy) pickRoute(c *types.Circuit) (*types.RouteInfo, error) {
	if c.AppMode == types.AppModeInference {
		return inference.PickRoute(c.RouteInfo)
	}
	if len(c.RouteInfo) == 0 {
		return nil, trace.NotFound("circuit %v has no live routes", c.ID)
	}
	return &c.RouteInfo[0], nil
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// relayWebsocket upgrades the client connection and dials the backend as
// a websocket client, relaying frames in both directions until either
// side closes — the spec's "cancellation of either direction cancels
// both" (§5) applied to a framed rather than raw-byte transport.
func relayWebsocket(w http.ResponseWriter, r *http.Request, target *url.URL) error {
	backendURL := *target
	backendURL.Scheme = "ws"
	backendURL.Path = r.URL.Path
	backendURL.RawQuery = r.URL.RawQuery

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	backendConn, _, err := dialer.Dial(backendURL.String(), nil)
	if err != nil {
		return trace.Wrap(err, "dialing websocket backend")
	}
	defer backendConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return trace.Wrap(err, "upgrading client connection")
	}
	defer clientConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); copyWS(clientConn, backendConn) }()
	go func() { defer wg.Done(); copyWS(backendConn, clientConn) }()
	wg.Wait()
	return nil
}

func copyWS(dst, src *websocket.Conn) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			_ = dst.Close()
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			_ = src.Close()
			return
		}
	}
}

// relayTCP copies bytes in both directions between client and backend for
// a raw tcp circuit, per spec.md §4.6: "a goroutine/task pair is spawned
// for each direction and cancellation of either cancels both".
func relayTCP(ctx context.Context, client net.Conn, backendAddr string, dial func(ctx context.Context, addr string) (net.Conn, error)) error {
	backend, err := dial(ctx, backendAddr)
	if err != nil {
		return trace.Wrap(err, "dialing tcp backend %v", backendAddr)
	}
	defer backend.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	_ = client.Close()
	_ = backend.Close()
	<-done
	return nil
}
