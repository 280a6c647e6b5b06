// Package coordinatorclient is the worker-side RPC client for the
// coordinator's wire API (spec.md §6): worker registration and
// introspection. Modeled on the teacher's lib/auth.Client wrapping of
// gravitational/roundtrip.
package coordinatorclient

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/backendai/appproxy/api/types"
)

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

// Client calls the coordinator's worker-audience endpoints.
type Client struct {
	rt *roundtrip.Client
}

// New returns a Client addressing the coordinator at baseURL,
// authenticating with the shared worker secret.
func New(baseURL, workerToken string) (*Client, error) {
	httpClient := &http.Client{Transport: &tokenTransport{token: workerToken}}
	rt, err := roundtrip.NewClient(baseURL, "", roundtrip.HTTPClient(httpClient))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{rt: rt}, nil
}

// RegisterWorker performs PUT /api/worker with w's full capability set,
// returning the coordinator-assigned record (with its persistent id).
func (c *Client) RegisterWorker(ctx context.Context, w types.Worker) (*types.Worker, error) {
	resp, err := c.rt.PutJSON(ctx, c.rt.Endpoint("api", "worker"), w)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.Worker
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// DeregisterWorker performs DELETE /api/worker/{id}.
func (c *Client) DeregisterWorker(ctx context.Context, id string) error {
	resp, err := c.rt.Delete(ctx, c.rt.Endpoint("api", "worker", id))
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.Code() < 200 || resp.Code() > 299 {
		return trace.ReadError(resp.Code(), resp.Bytes())
	}
	return nil
}
