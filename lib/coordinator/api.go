package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/circuits"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/metrics"
	"github.com/backendai/appproxy/lib/selector"
	"github.com/backendai/appproxy/lib/tokens"
)

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- POST /v2/conf ---------------------------------------------------

type confRequest struct {
	KernelHost string `json:"kernel_host"`
	KernelPort int    `json:"kernel_port"`
	Session    struct {
		UserID   string `json:"user_uuid"`
		GroupID  string `json:"group_id"`
		Domain   string `json:"domain_name"`
		AccessKey string `json:"access_key"`
	} `json:"session"`
	LoginSessionToken string `json:"login_session_token"`
}

type confResponse struct {
	Token string `json:"token"`
}

func (h *Handler) handleIssueConfirmation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req confRequest
	if err := readJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}
	if req.KernelHost == "" || req.Session.UserID == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("kernel_host and session.user_uuid are required"), "bad request"))
		return
	}

	tok, err := h.cfg.Vault.IssueConfirmation(r.Context(), types.ConfirmationToken{
		UserID:            req.Session.UserID,
		GroupID:           req.Session.GroupID,
		AccessKey:         req.Session.AccessKey,
		Domain:            req.Session.Domain,
		KernelHost:        req.KernelHost,
		KernelPort:        req.KernelPort,
		LoginSessionToken: req.LoginSessionToken,
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, confResponse{Token: tok.Token})
}

// --- GET /v2/proxy/auth ------------------------------------------------

type redeemRequest struct {
	App              string            `json:"app"`
	Protocol         string            `json:"protocol"`
	Token            string            `json:"token"`
	SessionID        string            `json:"session_id"`
	Envs             map[string]string `json:"envs"`
	Arguments        *string           `json:"arguments"`
	OpenToPublic     bool              `json:"open_to_public"`
	AllowedClientIPs []string          `json:"allowed_client_ips"`
	NoReuse          bool              `json:"no_reuse"`
	PreferredPort       int            `json:"preferred_port"`
	PreferredSubdomain  string         `json:"preferred_subdomain"`
}

type redeemResponse struct {
	RedirectURL string `json:"redirect_url"`
	Reuse       bool   `json:"reuse"`
}

func (h *Handler) handleRedeemConfirmation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req redeemRequest
	if err := readJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, err, "bad request"))
		return
	}
	if req.Token == "" || req.App == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeConfig, trace.BadParameter("token and app are required"), "bad request"))
		return
	}

	proto := types.Protocol(req.Protocol)
	if proto == types.ProtocolGRPC || proto == types.ProtocolH2 {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeProtocolMismatch, trace.BadParameter("protocol %q not valid for an interactive app", proto), "protocol mismatch"))
		return
	}

	conf, err := h.cfg.Vault.RedeemConfirmation(r.Context(), req.Token)
	if err != nil {
		apierr.WriteJSON(w, apierr.NotFound("confirmation token not found or already redeemed"))
		return
	}

	sessionIDs := []string{}
	if req.SessionID != "" {
		sessionIDs = append(sessionIDs, req.SessionID)
	}

	cc := types.CreateCircuitRequest{
		App:                req.App,
		Protocol:           proto,
		AppMode:            types.AppModeInteractive,
		UserID:             conf.UserID,
		KernelHost:         conf.KernelHost,
		KernelPort:         conf.KernelPort,
		Envs:               req.Envs,
		Arguments:          req.Arguments,
		OpenToPublic:       req.OpenToPublic,
		AllowedClientIPs:   req.AllowedClientIPs,
		NoReuse:            req.NoReuse,
		SessionIDs:         sessionIDs,
		PreferredPort:      req.PreferredPort,
		PreferredSubdomain: req.PreferredSubdomain,
	}

	circuit, reuse, err := h.createOrReuseCircuit(r.Context(), cc, conf.LoginSessionToken)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	worker, err := h.cfg.Workers.Get(r.Context(), circuit.Worker)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeWorkerNotResponding, err, "owning worker vanished after circuit creation"))
		return
	}

	url := redirectURL(worker, circuit)
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, redeemResponse{RedirectURL: url, Reuse: reuse})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// createOrReuseCircuit implements the Circuit Registry's
// at-most-one-concurrent-creation-per-fingerprint coordination described
// in spec.md §4.2: the fingerprint lock winner creates, losers await the
// winner's circuit-created event and fall back to FindReusable.
func (h *Handler) createOrReuseCircuit(ctx context.Context, cc types.CreateCircuitRequest, loginSessionToken string) (*types.Circuit, bool, error) {
	fp := cc.Fingerprint()

	if !cc.NoReuse {
		if c, err := h.cfg.Circuits.FindReusable(ctx, fp); err == nil {
			metrics.CircuitsCreated.WithLabelValues("true").Inc()
			return c, true, nil
		} else if !trace.IsNotFound(err) {
			return nil, false, trace.Wrap(err)
		}
	}

	lock, won, err := h.cfg.Circuits.AcquireFingerprintLock(ctx, fp)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}

	if !won {
		metrics.FingerprintLockWaits.Inc()
		c, err := circuits.AwaitCreated(ctx, h.cfg.Bus, fp, defaults.FingerprintWaitTimeout)
		if err == nil {
			metrics.CircuitsCreated.WithLabelValues("true").Inc()
			return c, true, nil
		}
		// The winner never showed up within the deadline; fall through and
		// retry as if this caller had won the lock.
		lock, won, err = h.cfg.Circuits.AcquireFingerprintLock(ctx, fp)
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		if !won {
			return nil, false, apierr.New(apierr.ECodeEventNotDelivered, trace.LimitExceeded("circuit creation did not converge"), "circuit creation did not converge")
		}
	}
	defer lock.Release(ctx)

	if !cc.NoReuse {
		if c, err := h.cfg.Circuits.FindReusable(ctx, fp); err == nil {
			metrics.CircuitsCreated.WithLabelValues("true").Inc()
			return c, true, nil
		}
	}

	worker, err := h.sel.Select(ctx, selector.Request{
		Traffic:            trafficFor(cc.AppMode),
		FrontendMode:       types.FrontendModePort,
		Protocol:           cc.Protocol,
		App:                cc.App,
		PreferredPort:      cc.PreferredPort,
		PreferredSubdomain: cc.PreferredSubdomain,
	})
	if err != nil {
		worker, err = h.sel.Select(ctx, selector.Request{
			Traffic:            trafficFor(cc.AppMode),
			FrontendMode:       types.FrontendModeWildcard,
			Protocol:           cc.Protocol,
			App:                cc.App,
			PreferredPort:      cc.PreferredPort,
			PreferredSubdomain: cc.PreferredSubdomain,
		})
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
	}

	newID := uuid.NewString()
	secret, err := tokens.CookieSecret(newID, loginSessionToken)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}

	c, err := h.cfg.Circuits.Create(ctx, circuits.CreateParams{ID: newID, Request: cc, Worker: worker, CookieSecret: secret})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	metrics.CircuitsCreated.WithLabelValues("false").Inc()
	return c, false, nil
}

func trafficFor(mode types.AppMode) types.TrafficClass {
	if mode == types.AppModeInference {
		return types.TrafficInference
	}
	return types.TrafficInteractive
}

func redirectURL(w *types.Worker, c *types.Circuit) string {
	scheme := "http"
	if w.UseTLS {
		scheme = "https"
	}
	if w.FrontendMode == types.FrontendModeWildcard {
		return fmt.Sprintf("%s://%s.%s/", scheme, c.Subdomain, w.WildcardDomain)
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, w.Hostname, c.Port)
}
