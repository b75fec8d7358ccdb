package fingerprint

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type ctxKey string

const fingerprintKey ctxKey = "fingerprint"

// Fingerprint is what a request tells about the client it came from.
type Fingerprint struct {
	UserAgent     string
	SourceAddress string
}

// Extractor builds fingerprints. Forwarding headers are only honoured when the
// direct peer is one of the trusted proxies.
type Extractor struct {
	trusted []netip.Prefix
}

func NewExtractor(trustedProxies []string) (*Extractor, error) {
	e := &Extractor{}
	for _, p := range trustedProxies {
		prefix, err := parsePrefix(p)
		if err != nil {
			return nil, err
		}
		e.trusted = append(e.trusted, prefix)
	}
	return e, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (e *Extractor) FromHTTPRequest(r *http.Request) (Fingerprint, error) {
	if r == nil {
		return Fingerprint{}, errors.New("http request is nil")
	}

	fp := Fingerprint{
		UserAgent:     r.Header.Get("User-Agent"),
		SourceAddress: e.sourceAddress(r),
	}
	slog.Debug("Building fingerprint", "userAgent", fp.UserAgent, "sourceAddress", fp.SourceAddress)

	return fp, nil
}

func (e *Extractor) sourceAddress(r *http.Request) string {
	remote, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !e.isTrusted(remote) {
		return remote.String()
	}

	forwarded := parseForwardedFor(r.Header.Get("X-Forwarded-For"))
	// the first untrusted hop from the right is the client
	for i := len(forwarded) - 1; i >= 0; i-- {
		if !e.isTrusted(forwarded[i]) {
			return forwarded[i].String()
		}
	}
	if len(forwarded) > 0 {
		return forwarded[0].String()
	}

	return remote.String()
}

func (e *Extractor) isTrusted(addr netip.Addr) bool {
	for _, p := range e.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(hostport string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parseForwardedFor(header string) []netip.Addr {
	if header == "" {
		return nil
	}

	var out []netip.Addr
	for part := range strings.SplitSeq(header, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}

// Middleware stores the fingerprint of each request in its context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp, _ := e.FromHTTPRequest(r)
		ctxWithFP := context.WithValue(r.Context(), fingerprintKey, fp)
		next.ServeHTTP(w, r.WithContext(ctxWithFP))
	})
}

func ExtractFingerprint(ctx context.Context) (Fingerprint, error) {
	fp, ok := ctx.Value(fingerprintKey).(Fingerprint)
	if !ok {
		return Fingerprint{}, errors.New("no fingerprint in ctx")
	}
	return fp, nil
}
