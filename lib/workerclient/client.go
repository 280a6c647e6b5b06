// Package workerclient is the coordinator-side RPC client for the minimal
// worker HTTP surface (spec.md §6, "Wire API (worker)"): install/refresh a
// circuit handler, uninstall it, and probe liveness. Modeled on the
// teacher's lib/auth.Client wrapping of gravitational/roundtrip.
package workerclient

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/defaults"
)

// tokenTransport injects the shared worker secret on every request, the
// way the wire API expects it (X-BackendAI-Token), since roundtrip does
// not expose a generic custom-header ClientParam.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-BackendAI-Token", t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client calls a single worker's HTTP surface.
type Client struct {
	rt *roundtrip.Client
}

// New returns a Client addressing a worker at baseURL (e.g.
// "https://worker1:10200"), authenticating with the shared worker secret.
func New(baseURL, workerToken string) (*Client, error) {
	httpClient := &http.Client{
		Timeout:   defaults.WorkerProvisionTimeout,
		Transport: &tokenTransport{token: workerToken},
	}
	rt, err := roundtrip.NewClient(baseURL, "", roundtrip.HTTPClient(httpClient))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{rt: rt}, nil
}

// InstallCircuit tells the worker to install or refresh the proxy handler
// for circuit c.
func (c *Client) InstallCircuit(ctx context.Context, circuit *types.Circuit) error {
	_, err := c.rt.PutJSON(ctx, c.rt.Endpoint("circuits", circuit.ID), circuit)
	return trace.Wrap(err)
}

// UninstallCircuit tells the worker to tear down the handler for circuitID.
func (c *Client) UninstallCircuit(ctx context.Context, circuitID string) error {
	_, err := c.rt.Delete(ctx, c.rt.Endpoint("circuits", circuitID))
	return trace.Wrap(err)
}

// Healthy probes the worker's liveness endpoint with a short deadline.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.rt.Get(ctx, c.rt.Endpoint("healthz"), nil)
	if err != nil {
		return trace.Wrap(err, "worker health check failed")
	}
	if resp.Code() < 200 || resp.Code() > 299 {
		return trace.Wrap(trace.ReadError(resp.Code(), resp.Bytes()), "worker health check failed")
	}
	return nil
}
