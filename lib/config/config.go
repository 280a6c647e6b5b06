// Package config defines the YAML configuration contracts for the
// coordinator and worker processes (spec.md §4.5, §6 "Persisted state
// layout"), following the teacher's CheckAndSetDefaults validation idiom
// used throughout lib/service and lib/backend.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/backendai/appproxy/api/types"
)

// StoreConfig points at the shared persisted store both the coordinator
// and every worker connect to.
type StoreConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	CAFile    string   `yaml:"ca_file,omitempty"`
	CertFile  string   `yaml:"cert_file,omitempty"`
	KeyFile   string   `yaml:"key_file,omitempty"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
}

func (c *StoreConfig) checkAndSetDefaults() error {
	if len(c.Endpoints) == 0 {
		return trace.BadParameter("store.endpoints is required")
	}
	if c.Prefix == "" {
		c.Prefix = "/appproxy"
	}
	return nil
}

// CoordinatorConfig is the coordinator process's full configuration.
type CoordinatorConfig struct {
	ListenAddr    string      `yaml:"listen_addr"`
	CoordinatorID string      `yaml:"coordinator_id"`
	ManagerToken  string      `yaml:"manager_token"`
	WorkerToken   string      `yaml:"worker_token"`
	JWTPublicKeyFile  string  `yaml:"jwt_public_key_file,omitempty"`
	JWTPrivateKeyFile string  `yaml:"jwt_private_key_file,omitempty"`
	Store         StoreConfig `yaml:"store"`
}

// CheckAndSetDefaults validates the configuration, setting defaults where
// unset.
func (c *CoordinatorConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8090"
	}
	if c.CoordinatorID == "" {
		c.CoordinatorID = "appproxy-coordinator"
	}
	if c.ManagerToken == "" || c.WorkerToken == "" {
		return trace.BadParameter("manager_token and worker_token are both required")
	}
	if c.JWTPrivateKeyFile == "" {
		return trace.BadParameter("jwt_private_key_file is required")
	}
	return trace.Wrap(c.Store.checkAndSetDefaults())
}

// LoadCoordinatorConfig reads and validates a CoordinatorConfig from path.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// WorkerConfig is the worker process's full configuration (spec.md §4.5's
// config contract).
type WorkerConfig struct {
	FrontendMode     types.FrontendMode   `yaml:"frontend_mode"`
	PortRange        []int                `yaml:"port_range,omitempty"`
	WildcardDomain   string               `yaml:"wildcard_domain,omitempty"`
	APIPort          int                  `yaml:"api_port"`
	UseTLS           bool                 `yaml:"use_tls"`
	TLSCertFile      string               `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile       string               `yaml:"tls_key_file,omitempty"`
	AcceptedTraffics []types.TrafficClass `yaml:"accepted_traffics"`
	FilteredAppsOnly bool                 `yaml:"filtered_apps_only"`
	AppFilters       []types.AppFilter    `yaml:"app_filters,omitempty"`
	Protocol         types.Protocol       `yaml:"protocol"`

	Hostname        string `yaml:"hostname"`
	AdvertisedHost  string `yaml:"advertised_host"`

	APISecret         string `yaml:"api_secret"`
	CoordinatorURL    string `yaml:"coordinator_endpoint"`
	JWTPublicKeyFile  string `yaml:"jwt_public_key_file"`

	Store StoreConfig `yaml:"store"`

	// TrustForwardedFor and TrustedProxyCIDRs gate whether the admission
	// policy's CIDR check trusts X-Forwarded-For over the raw TCP peer
	// address. Both must be set for forwarded addresses to be trusted.
	TrustForwardedFor bool     `yaml:"trust_forwarded_for"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// CheckAndSetDefaults validates the configuration, setting defaults where
// unset.
func (c *WorkerConfig) CheckAndSetDefaults() error {
	switch c.FrontendMode {
	case types.FrontendModePort:
		if len(c.PortRange) == 0 {
			return trace.BadParameter("port_range is required for frontend_mode: port")
		}
	case types.FrontendModeWildcard:
		if c.WildcardDomain == "" {
			return trace.BadParameter("wildcard_domain is required for frontend_mode: wildcard")
		}
	default:
		return trace.BadParameter("frontend_mode must be %q or %q", types.FrontendModePort, types.FrontendModeWildcard)
	}
	if c.APIPort == 0 {
		c.APIPort = 10200
	}
	if len(c.AcceptedTraffics) == 0 {
		c.AcceptedTraffics = []types.TrafficClass{types.TrafficInteractive}
	}
	if c.Protocol == "" {
		c.Protocol = types.ProtocolHTTP
	}
	if c.Hostname == "" {
		return trace.BadParameter("hostname is required")
	}
	if c.AdvertisedHost == "" {
		c.AdvertisedHost = c.Hostname
	}
	if c.APISecret == "" {
		return trace.BadParameter("api_secret is required")
	}
	if c.CoordinatorURL == "" {
		return trace.BadParameter("coordinator_endpoint is required")
	}
	if c.JWTPublicKeyFile == "" {
		return trace.BadParameter("jwt_public_key_file is required to verify endpoint api tokens")
	}
	if c.TrustForwardedFor && len(c.TrustedProxyCIDRs) == 0 {
		return trace.BadParameter("trusted_proxy_cidrs is required when trust_forwarded_for is true")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.UseTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return trace.BadParameter("tls_cert_file and tls_key_file are required when use_tls is true")
	}
	return trace.Wrap(c.Store.checkAndSetDefaults())
}

// Worker renders this config as the types.Worker registration payload
// sent to the coordinator.
func (c *WorkerConfig) Worker() types.Worker {
	return types.Worker{
		Authority:        c.AdvertisedHost,
		FrontendMode:     c.FrontendMode,
		Protocol:         c.Protocol,
		Hostname:         c.AdvertisedHost,
		UseTLS:           c.UseTLS,
		APIPort:          c.APIPort,
		PortRange:        c.PortRange,
		WildcardDomain:   c.WildcardDomain,
		FilteredAppsOnly: c.FilteredAppsOnly,
		AcceptedTraffics: c.AcceptedTraffics,
		AppFilters:       c.AppFilters,
	}
}

// LoadWorkerConfig reads and validates a WorkerConfig from path.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
