// Package types defines the wire and storage representation of the
// entities AppProxy's coordinator and worker operate on: workers, slots,
// circuits, routes and endpoints.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"time"
)

// FrontendMode selects which ingress a worker exposes circuits on.
type FrontendMode string

const (
	FrontendModePort     FrontendMode = "port"
	FrontendModeWildcard FrontendMode = "wildcard"
)

// Protocol is the wire protocol a worker or circuit speaks to its backend.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
	ProtocolH2   Protocol = "h2"
	ProtocolTCP  Protocol = "tcp"
)

// TrafficClass distinguishes interactive app traffic from inference traffic.
type TrafficClass string

const (
	TrafficInteractive TrafficClass = "interactive"
	TrafficInference   TrafficClass = "inference"
)

// AppMode mirrors TrafficClass on the Circuit itself.
type AppMode string

const (
	AppModeInteractive AppMode = "interactive"
	AppModeInference   AppMode = "inference"
)

// AppFilter is a single key/value restriction a filtered_apps_only worker
// advertises; an app name must match at least one filter to be eligible.
type AppFilter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Worker is the coordinator's record of a registered data-plane node (or
// HA set of nodes sharing the same Authority).
type Worker struct {
	ID               string         `json:"id"`
	Authority        string         `json:"authority"`
	FrontendMode     FrontendMode   `json:"frontend_mode"`
	Protocol         Protocol       `json:"protocol"`
	Hostname         string         `json:"hostname"`
	UseTLS           bool           `json:"use_tls"`
	APIPort          int            `json:"api_port"`
	PortRange        []int          `json:"port_range,omitempty"`
	WildcardDomain   string         `json:"wildcard_domain,omitempty"`
	FilteredAppsOnly bool           `json:"filtered_apps_only"`
	AcceptedTraffics []TrafficClass `json:"accepted_traffics"`
	AppFilters       []AppFilter    `json:"app_filters,omitempty"`
	Nodes            int            `json:"nodes"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// AcceptsTraffic reports whether the worker is configured to accept the
// given traffic class.
func (w *Worker) AcceptsTraffic(class TrafficClass) bool {
	for _, c := range w.AcceptedTraffics {
		if c == class {
			return true
		}
	}
	return false
}

// MatchesAppFilter reports whether appName satisfies at least one of the
// worker's app filters. An empty filter set never matches.
func (w *Worker) MatchesAppFilter(appName string) bool {
	for _, f := range w.AppFilters {
		if f.Value == appName || f.Key == appName {
			return true
		}
	}
	return false
}

// AvailableSlots returns the size of the worker's slot universe, or -1 if
// unbounded (wildcard frontend).
func (w *Worker) AvailableSlots() int {
	if w.FrontendMode == FrontendModeWildcard {
		return -1
	}
	return len(w.PortRange)
}

// OwnsPort reports whether the port is within this worker's port_range.
func (w *Worker) OwnsPort(port int) bool {
	for _, p := range w.PortRange {
		if p == port {
			return true
		}
	}
	return false
}

// RouteInfo identifies one live backend replica behind an inference
// circuit, with its share of traffic.
type RouteInfo struct {
	SessionID    string   `json:"session_id"`
	SessionName  string   `json:"session_name,omitempty"`
	KernelHost   string   `json:"kernel_host"`
	KernelPort   int      `json:"kernel_port"`
	Protocol     Protocol `json:"protocol"`
	TrafficRatio float64  `json:"traffic_ratio"`
}

// Addr returns the host:port this route forwards to.
func (r RouteInfo) Addr() string {
	return net.JoinHostPort(r.KernelHost, fmt.Sprintf("%d", r.KernelPort))
}

// Circuit is the authoritative binding from an ingress slot to one or more
// backend routes, plus its auth policy and lifecycle timestamps.
type Circuit struct {
	ID               string       `json:"id"`
	App              string       `json:"app"`
	Protocol         Protocol     `json:"protocol"`
	Worker           string       `json:"worker"`
	AppMode          AppMode      `json:"app_mode"`
	FrontendMode     FrontendMode `json:"frontend_mode"`
	Envs             map[string]string `json:"envs,omitempty"`
	Arguments        *string      `json:"arguments,omitempty"`
	OpenToPublic     bool         `json:"open_to_public"`
	AllowedClientIPs []string     `json:"allowed_client_ips,omitempty"`
	Port             int          `json:"port,omitempty"`
	Subdomain        string       `json:"subdomain,omitempty"`
	UserID           string       `json:"user_id,omitempty"`
	EndpointID       string       `json:"endpoint_id,omitempty"`
	RouteInfo        []RouteInfo  `json:"route_info,omitempty"`
	SessionIDs       []string     `json:"session_ids,omitempty"`
	CookieSecret     string       `json:"cookie_secret,omitempty"`
	Fingerprint      string       `json:"fingerprint,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// SlotKey returns the ingress key this circuit occupies: a port number
// formatted as a string, or a subdomain label.
func (c *Circuit) SlotKey() string {
	if c.FrontendMode == FrontendModeWildcard {
		return c.Subdomain
	}
	return fmt.Sprintf("%d", c.Port)
}

// Endpoint is the Manager-visible inference service record that owns
// exactly one Circuit.
type Endpoint struct {
	ID           string              `json:"id"`
	ServiceName  string              `json:"service_name"`
	Tags         map[string]string   `json:"tags,omitempty"`
	Apps         map[string][]RouteInfo `json:"apps"`
	OpenToPublic bool                `json:"open_to_public"`
	PreferredPort int                `json:"preferred_port,omitempty"`
	PreferredSubdomain string        `json:"preferred_subdomain,omitempty"`
	TTLSeconds   int64               `json:"ttl_seconds,omitempty"`
	CircuitID    string              `json:"circuit_id,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ConfirmationToken binds a login-session identifier and user identity to
// a preferred kernel endpoint, consumed exactly once to create an
// interactive circuit.
type ConfirmationToken struct {
	Token             string    `json:"token"`
	UserID            string    `json:"user_id"`
	GroupID           string    `json:"group_id"`
	AccessKey         string    `json:"access_key"`
	Domain            string    `json:"domain"`
	KernelHost        string    `json:"kernel_host"`
	KernelPort        int       `json:"kernel_port"`
	LoginSessionToken string    `json:"login_session_token,omitempty"`
	SessionIDs        []string  `json:"session_ids,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// EndpointAPIToken is a bearer token authorizing calls through a
// non-public inference circuit.
type EndpointAPIToken struct {
	Token      string    `json:"token"`
	EndpointID string    `json:"endpoint_id"`
	UserID     string    `json:"user_id"`
	ExpiresAt  time.Time `json:"exp"`
}

// CreateCircuitRequest is the canonical description of a circuit-creation
// intent, used both to compute the reuse Fingerprint and to drive Circuit
// Registry creation.
type CreateCircuitRequest struct {
	App              string
	Protocol         Protocol
	AppMode          AppMode
	FrontendMode     FrontendMode
	UserID           string
	EndpointID       string
	KernelHost       string
	KernelPort       int
	Envs             map[string]string
	Arguments        *string
	OpenToPublic     bool
	AllowedClientIPs []string
	PreferredPort      int
	PreferredSubdomain string
	NoReuse          bool
	SessionIDs       []string
}

// Fingerprint returns the canonical reuse-deduplication key for an
// interactive circuit request: (user_id, app, first_kernel_host:port,
// protocol, envs-digest, arguments, open_to_public, allowed_client_ips,
// preferred port/subdomain).
func (r *CreateCircuitRequest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "user=%s\napp=%s\nkernel=%s:%d\nproto=%s\n",
		r.UserID, r.App, r.KernelHost, r.KernelPort, r.Protocol)

	keys := make([]string, 0, len(r.Envs))
	for k := range r.Envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env:%s=%s\n", k, r.Envs[k])
	}

	if r.Arguments != nil {
		fmt.Fprintf(h, "args=%s\n", *r.Arguments)
	}
	fmt.Fprintf(h, "public=%v\n", r.OpenToPublic)

	ips := append([]string(nil), r.AllowedClientIPs...)
	sort.Strings(ips)
	for _, ip := range ips {
		fmt.Fprintf(h, "cidr=%s\n", ip)
	}

	fmt.Fprintf(h, "port=%d\nsubdomain=%s\n", r.PreferredPort, r.PreferredSubdomain)

	return hex.EncodeToString(h.Sum(nil))
}

// MarshalCompact renders v as compact JSON, used when writing store values.
func MarshalCompact(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
