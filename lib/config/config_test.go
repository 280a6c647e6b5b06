package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
)

func TestCoordinatorConfigDefaults(t *testing.T) {
	cfg := &CoordinatorConfig{
		ManagerToken:      "m",
		WorkerToken:       "w",
		JWTPrivateKeyFile: "key.pem",
		Store:             StoreConfig{Endpoints: []string{"https://etcd:2379"}},
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, "0.0.0.0:8090", cfg.ListenAddr)
	require.Equal(t, "appproxy-coordinator", cfg.CoordinatorID)
	require.Equal(t, "/appproxy", cfg.Store.Prefix)
}

func TestCoordinatorConfigRequiresTokens(t *testing.T) {
	cfg := &CoordinatorConfig{JWTPrivateKeyFile: "key.pem", Store: StoreConfig{Endpoints: []string{"e"}}}
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestCoordinatorConfigRequiresJWTKey(t *testing.T) {
	cfg := &CoordinatorConfig{ManagerToken: "m", WorkerToken: "w", Store: StoreConfig{Endpoints: []string{"e"}}}
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestStoreConfigRequiresEndpoints(t *testing.T) {
	cfg := &CoordinatorConfig{ManagerToken: "m", WorkerToken: "w", JWTPrivateKeyFile: "key.pem"}
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestLoadCoordinatorConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	content := `
manager_token: m
worker_token: w
jwt_private_key_file: key.pem
store:
  endpoints: ["https://etcd:2379"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadCoordinatorConfig(path)
	require.NoError(t, err)
	require.Equal(t, "m", cfg.ManagerToken)
	require.Equal(t, "/appproxy", cfg.Store.Prefix)
}

func TestLoadCoordinatorConfigMissingFile(t *testing.T) {
	_, err := LoadCoordinatorConfig("/nonexistent/path.yaml")
	require.Error(t, err)
}

func baseWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		FrontendMode:     types.FrontendModePort,
		PortRange:        []int{10201, 10202},
		Hostname:         "worker-a.example.com",
		APISecret:        "s3cret",
		CoordinatorURL:   "https://coordinator:8090",
		JWTPublicKeyFile: "pub.pem",
		Store:            StoreConfig{Endpoints: []string{"https://etcd:2379"}},
	}
}

func TestWorkerConfigDefaults(t *testing.T) {
	cfg := baseWorkerConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, 10200, cfg.APIPort)
	require.Equal(t, []types.TrafficClass{types.TrafficInteractive}, cfg.AcceptedTraffics)
	require.Equal(t, types.ProtocolHTTP, cfg.Protocol)
	require.Equal(t, "worker-a.example.com", cfg.AdvertisedHost)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestWorkerConfigRequiresPortRangeForPortMode(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.PortRange = nil
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestWorkerConfigRequiresWildcardDomainForWildcardMode(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.FrontendMode = types.FrontendModeWildcard
	cfg.PortRange = nil
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))

	cfg.WildcardDomain = "apps.example.com"
	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestWorkerConfigRejectsUnknownFrontendMode(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.FrontendMode = types.FrontendMode("bogus")
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestWorkerConfigRequiresHostname(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.Hostname = ""
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestWorkerConfigRequiresAPISecret(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.APISecret = ""
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestWorkerConfigRequiresCoordinatorURL(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.CoordinatorURL = ""
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestWorkerConfigRequiresJWTPublicKeyFile(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.JWTPublicKeyFile = ""
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
}

func TestWorkerConfigRequiresTrustedProxyCIDRsWhenTrustingForwardedFor(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.TrustForwardedFor = true
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))

	cfg.TrustedProxyCIDRs = []string{"10.0.0.0/8"}
	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestWorkerConfigRequiresTLSFilesWhenTLSEnabled(t *testing.T) {
	cfg := baseWorkerConfig()
	cfg.UseTLS = true
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))

	cfg.TLSCertFile = "cert.pem"
	cfg.TLSKeyFile = "key.pem"
	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestWorkerConfigWorkerRendersRegistrationPayload(t *testing.T) {
	cfg := baseWorkerConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())

	w := cfg.Worker()
	require.Equal(t, cfg.AdvertisedHost, w.Authority)
	require.Equal(t, cfg.FrontendMode, w.FrontendMode)
	require.Equal(t, cfg.PortRange, w.PortRange)
}

func TestLoadWorkerConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	content := `
frontend_mode: port
port_range: [10201, 10202]
hostname: worker-a.example.com
api_secret: s3cret
coordinator_endpoint: https://coordinator:8090
jwt_public_key_file: pub.pem
store:
  endpoints: ["https://etcd:2379"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWorkerConfig(path)
	require.NoError(t, err)
	require.Equal(t, "worker-a.example.com", cfg.Hostname)
	require.Equal(t, 10200, cfg.APIPort)
}
