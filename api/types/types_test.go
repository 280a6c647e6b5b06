package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerAcceptsTraffic(t *testing.T) {
	w := &Worker{AcceptedTraffics: []TrafficClass{TrafficInteractive}}
	require.True(t, w.AcceptsTraffic(TrafficInteractive))
	require.False(t, w.AcceptsTraffic(TrafficInference))
}

func TestWorkerMatchesAppFilterEmptySetNeverMatches(t *testing.T) {
	w := &Worker{}
	require.False(t, w.MatchesAppFilter("jupyter"))
}

func TestWorkerMatchesAppFilterByValueOrKey(t *testing.T) {
	w := &Worker{AppFilters: []AppFilter{{Key: "category", Value: "jupyter"}}}
	require.True(t, w.MatchesAppFilter("jupyter"))
	require.True(t, w.MatchesAppFilter("category"))
	require.False(t, w.MatchesAppFilter("vscode"))
}

func TestWorkerAvailableSlots(t *testing.T) {
	port := &Worker{FrontendMode: FrontendModePort, PortRange: []int{1, 2, 3}}
	require.Equal(t, 3, port.AvailableSlots())

	wildcard := &Worker{FrontendMode: FrontendModeWildcard}
	require.Equal(t, -1, wildcard.AvailableSlots())
}

func TestWorkerOwnsPort(t *testing.T) {
	w := &Worker{PortRange: []int{10201, 10202, 10203}}
	require.True(t, w.OwnsPort(10202))
	require.False(t, w.OwnsPort(9999))
}

func TestRouteInfoAddr(t *testing.T) {
	r := RouteInfo{KernelHost: "10.0.0.5", KernelPort: 8080}
	require.Equal(t, "10.0.0.5:8080", r.Addr())
}

func TestRouteInfoAddrWithIPv6Host(t *testing.T) {
	r := RouteInfo{KernelHost: "::1", KernelPort: 8080}
	require.Equal(t, "[::1]:8080", r.Addr())
}

func TestCircuitSlotKeyPortMode(t *testing.T) {
	c := &Circuit{FrontendMode: FrontendModePort, Port: 10201}
	require.Equal(t, "10201", c.SlotKey())
}

func TestCircuitSlotKeyWildcardMode(t *testing.T) {
	c := &Circuit{FrontendMode: FrontendModeWildcard, Subdomain: "abc123"}
	require.Equal(t, "abc123", c.SlotKey())
}

func TestCreateCircuitRequestFingerprintIsDeterministic(t *testing.T) {
	req := CreateCircuitRequest{
		UserID: "user-1", App: "jupyter", KernelHost: "10.0.0.5", KernelPort: 8080, Protocol: ProtocolHTTP,
		Envs: map[string]string{"B": "2", "A": "1"},
	}
	req2 := CreateCircuitRequest{
		UserID: "user-1", App: "jupyter", KernelHost: "10.0.0.5", KernelPort: 8080, Protocol: ProtocolHTTP,
		Envs: map[string]string{"A": "1", "B": "2"},
	}
	require.Equal(t, req.Fingerprint(), req2.Fingerprint())
}

func TestCreateCircuitRequestFingerprintDiffersOnUser(t *testing.T) {
	base := CreateCircuitRequest{UserID: "user-1", App: "jupyter", KernelHost: "10.0.0.5", KernelPort: 8080, Protocol: ProtocolHTTP}
	other := base
	other.UserID = "user-2"
	require.NotEqual(t, base.Fingerprint(), other.Fingerprint())
}

func TestCreateCircuitRequestFingerprintIgnoresAllowedClientIPOrder(t *testing.T) {
	a := CreateCircuitRequest{AllowedClientIPs: []string{"10.0.0.0/8", "192.168.0.0/16"}}
	b := CreateCircuitRequest{AllowedClientIPs: []string{"192.168.0.0/16", "10.0.0.0/8"}}
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestCreateCircuitRequestFingerprintDiffersOnArguments(t *testing.T) {
	args1 := "--foo"
	args2 := "--bar"
	a := CreateCircuitRequest{Arguments: &args1}
	b := CreateCircuitRequest{Arguments: &args2}
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
