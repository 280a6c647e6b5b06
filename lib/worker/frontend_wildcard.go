package worker

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/lib/apierr"
	"github.com/backendai/appproxy/lib/defaults"
)

// WildcardFrontend is the wildcard-mode ingress: a single HTTPS listener
// dispatching to a circuit by the subdomain label in the request's Host
// header (spec.md §4.6; SNI-based TCP dispatch is explicitly
// unsupported). A plain *http.Server with TLS suffices here — HTTP/2
// negotiation is handled by net/http's ALPN support, so no separate
// protocol-detection multiplexer is needed for this single-protocol
// ingress.
type WildcardFrontend struct {
	w    *Worker
	srv  *http.Server
	log  *logrus.Entry
}

func newWildcardFrontend(w *Worker, addr string, tlsConf *tls.Config) *WildcardFrontend {
	f := &WildcardFrontend{
		w:   w,
		log: logrus.WithField(trace.Component, defaults.Component("appproxy", "frontend-wildcard")),
	}
	f.srv = &http.Server{
		Addr:      addr,
		TLSConfig: tlsConf,
		Handler:   http.HandlerFunc(f.serve),
	}
	return f
}

// Run blocks serving TLS until ctx is done.
func (f *WildcardFrontend) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = f.srv.Close()
	}()
	err := f.srv.ListenAndServeTLS("", "")
	if ctx.Err() != nil {
		return nil
	}
	return trace.Wrap(err)
}

func (f *WildcardFrontend) serve(w http.ResponseWriter, r *http.Request) {
	label := subdomainLabel(r.Host, f.w.cfg.WildcardDomain)
	if label == "" {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeUnknownSubdomain, trace.NotFound("no subdomain in host %q", r.Host), "unknown subdomain"))
		return
	}
	c, ok := f.w.table.bySlotKey(label)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.ECodeUnknownSubdomain, trace.NotFound("subdomain %q is not bound to a circuit", label), "unknown subdomain"))
		return
	}
	f.w.serveHTTPCircuit(w, r, c)
}

// subdomainLabel extracts the leftmost label of host when host is a
// subdomain of domain, e.g. host "abc123.apps.example.com" and domain
// "apps.example.com" yields "abc123".
func subdomainLabel(host, domain string) string {
	host = strings.ToLower(strings.SplitN(host, ":", 2)[0])
	domain = strings.ToLower(domain)
	suffix := "." + domain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}
