package worker

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/metrics"
)

// admit runs the admission policy chain of spec.md §4.6 against an
// incoming request bound for c, short-circuiting on the first failure, in
// order: CIDR, then open_to_public cookie/bearer, then app_mode, then
// protocol compatibility.
func (w *Worker) admit(ctx context.Context, r *http.Request, c *types.Circuit) error {
	if err := w.checkCIDR(r, c); err != nil {
		return rejected(err)
	}

	if !c.OpenToPublic {
		switch c.AppMode {
		case types.AppModeInteractive:
			if err := w.checkCookie(r, c); err != nil {
				return rejected(err)
			}
		case types.AppModeInference:
			if err := w.checkBearer(ctx, r, c); err != nil {
				return rejected(err)
			}
		}
	}

	if mode, ok := requestedAppMode(r); ok {
		switch {
		case mode == types.AppModeInteractive && c.AppMode == types.AppModeInference:
			return rejected(apierr.New(apierr.ECodeInferenceViaInteractive, trace.BadParameter("inference circuit reached via interactive (cookie) path"), "wrong app mode"))
		case mode == types.AppModeInference && c.AppMode == types.AppModeInteractive:
			return rejected(apierr.New(apierr.ECodeInteractiveViaInference, trace.BadParameter("interactive circuit reached via inference (bearer) path"), "wrong app mode"))
		}
	}

	if c.AppMode == types.AppModeInteractive {
		if c.Protocol == types.ProtocolGRPC || c.Protocol == types.ProtocolH2 {
			return rejected(apierr.New(apierr.ECodeProtocolMismatch, trace.BadParameter("interactive app served over %v", c.Protocol), "protocol mismatch"))
		}
	}

	return nil
}

// requestedAppMode reports which admission path a request declares itself
// as taking, inferred from the credential it presents: an
// "Authorization: BackendAI ..." header is the inference bearer-token
// path, a cookieName cookie is the interactive cookie path. A request
// carrying neither — most commonly an unauthenticated request against a
// public circuit, where the earlier cookie/bearer check never runs — has
// no declared path and is not mode-checked here.
func requestedAppMode(r *http.Request) (types.AppMode, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, _, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "BackendAI") {
			return types.AppModeInference, true
		}
	}
	if _, err := r.Cookie(cookieName); err == nil {
		return types.AppModeInteractive, true
	}
	return "", false
}

func rejected(err error) error {
	if ae, ok := err.(*apierr.Error); ok {
		metrics.AdmissionRejections.WithLabelValues(string(ae.Code)).Inc()
		return ae
	}
	metrics.AdmissionRejections.WithLabelValues(string(apierr.ECodeConfig)).Inc()
	return err
}

// checkCIDR enforces c.AllowedClientIPs, honoring the worker's configured
// trust of X-Forwarded-For from known proxy CIDRs (SPEC_FULL.md §13).
func (w *Worker) checkCIDR(r *http.Request, c *types.Circuit) error {
	return checkCIDRAddr(w.clientAddr(r), c)
}

// clientAddr resolves the address admission should treat as the client's.
// It consults X-Forwarded-For only when the worker is configured to trust
// forwarded headers (cfg.TrustForwardedFor) and the immediate peer
// (r.RemoteAddr) falls within one of cfg.TrustedProxyCIDRs; otherwise the
// immediate peer address is authoritative.
func (w *Worker) clientAddr(r *http.Request) string {
	if w.cfg == nil || !w.cfg.TrustForwardedFor {
		return r.RemoteAddr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !ipInCIDRs(peer, w.cfg.TrustedProxyCIDRs) {
		return r.RemoteAddr
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return r.RemoteAddr
	}
	// The leftmost entry in a comma-separated X-Forwarded-For chain is the
	// original client; the rest are intermediate proxies.
	return strings.TrimSpace(strings.Split(xff, ",")[0])
}

func ipInCIDRs(ip net.IP, cidrs []string) bool {
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// checkCIDRAddr is checkCIDR's address-only form, used by the raw TCP
// frontend where there is no *http.Request (and so no X-Forwarded-For) to
// read a peer address from.
func checkCIDRAddr(remoteAddr string, c *types.Circuit) error {
	if len(c.AllowedClientIPs) == 0 {
		return nil
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return trace.BadParameter("could not parse client address %q", remoteAddr)
	}
	for _, cidr := range c.AllowedClientIPs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			if cidr == host {
				return nil
			}
			continue
		}
		if network.Contains(ip) {
			return nil
		}
	}
	return trace.AccessDenied("client address %v is not in allowed_client_ips", ip)
}

const cookieName = "backendai_app_session"

func (w *Worker) checkCookie(r *http.Request, c *types.Circuit) error {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return apierr.New(apierr.ECodeMissingCookie, err, "missing app session cookie")
	}
	if cookie.Value != c.CookieSecret || c.CookieSecret == "" {
		return apierr.New(apierr.ECodeInvalidCookie, trace.AccessDenied("cookie does not match circuit secret"), "invalid app session cookie")
	}
	return nil
}

func (w *Worker) checkBearer(ctx context.Context, r *http.Request, c *types.Circuit) error {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return apierr.New(apierr.ECodeMissingAuthToken, trace.AccessDenied("missing Authorization header"), "missing auth token")
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "BackendAI") {
		return apierr.New(apierr.ECodeWrongAuthScheme, trace.AccessDenied("unsupported Authorization scheme %q", scheme), "wrong auth scheme")
	}
	if _, err := w.vault.VerifyAPIToken(ctx, token, c.EndpointID); err != nil {
		return apierr.New(apierr.ECodeInvalidAuthToken, err, "invalid or revoked endpoint api token")
	}
	return nil
}
