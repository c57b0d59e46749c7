// Package auditlog attaches request metadata to audit log entries for
// billing actions.
package auditlog

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey struct{}

// TrustedProxies lists the reverse proxies whose forwarding headers are
// believed. A nil *TrustedProxies trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies parses IP addresses and CIDR ranges. Empty entries are
// ignored.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	p := &TrustedProxies{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			p.prefixes = append(p.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		p.prefixes = append(p.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return p, nil
}

// Len returns the number of configured proxy ranges.
func (p *TrustedProxies) Len() int {
	if p == nil {
		return 0
	}
	return len(p.prefixes)
}

func (p *TrustedProxies) trusts(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address of r. Forwarding headers are honoured
// only when the peer is a trusted proxy; X-Forwarded-For is walked from the
// nearest hop outwards and the first untrusted address wins.
func (p *TrustedProxies) Resolve(r *http.Request) string {
	if r == nil {
		return ""
	}
	peer := remoteHost(r.RemoteAddr)
	peerAddr, ok := parseHop(peer)
	if !ok || !p.trusts(peerAddr) {
		return peer
	}

	if hops := forwardedHops(r.Header.Values("X-Forwarded-For")); len(hops) > 0 {
		client := peerAddr
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseHop(hops[i])
			if !ok {
				break
			}
			client = addr
			if !p.trusts(addr) {
				break
			}
		}
		return client.String()
	}

	if addr, ok := parseHop(r.Header.Get("X-Real-IP")); ok {
		return addr.String()
	}
	return peer
}

// Middleware stores the resolved client address on the request context for
// ClientIP.
func (p *TrustedProxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKey{}, p.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the client address resolved by TrustedProxies.Middleware,
// or the peer address when the request did not pass through it.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ip, ok := r.Context().Value(ctxKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}

func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func parseHop(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Record starts an info-level audit entry for action performed by actor.
// The caller adds any action-specific fields and calls Msg.
func Record(r *http.Request, action, actor string) *zerolog.Event {
	ev := log.Info().
		Bool("audit", true).
		Str("action", action)
	if actor = strings.TrimSpace(actor); actor != "" {
		ev = ev.Str("actor", actor)
	}
	if r == nil {
		return ev
	}
	ev = ev.Str("client_ip", ClientIP(r)).Str("path", requestPath(r))
	if id := logging.RequestID(r.Context()); id != "" {
		ev = ev.Str("request_id", id)
	}
	return ev
}

func requestPath(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}
