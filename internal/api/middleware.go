/**
 * @description
 * This file contains the HTTP middleware for the promo-service API: the
 * optional source-IP allow-list applied to the aggregator and provider
 * endpoints. Request signature verification lives in the handlers because it
 * covers the parsed request fields, not the raw body.
 *
 * @dependencies
 * - net, net/http: Standard Go libraries.
 */

package api

import (
	"log"
	"net"
	"net/http"
)

// IPAllowlist restricts an endpoint to a fixed set of source addresses. An
// empty list disables the check. Entries match either a bare IP or a CIDR.
// Rejections go through the endpoint's own reply format so the aggregator and
// the provider each see a response they can parse.
func IPAllowlist(allowed []string, reject http.HandlerFunc) func(http.Handler) http.Handler {
	nets := make([]*net.IPNet, 0, len(allowed))
	ips := make([]net.IP, 0, len(allowed))
	for _, entry := range allowed {
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
			continue
		}
		log.Printf("level=warn component=api msg=\"ignoring unparseable allow-list entry\" entry=%s", entry)
	}

	return func(next http.Handler) http.Handler {
		if len(nets) == 0 && len(ips) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			source := net.ParseIP(remoteIP(r))
			if source != nil {
				for _, ip := range ips {
					if ip.Equal(source) {
						next.ServeHTTP(w, r)
						return
					}
				}
				for _, ipNet := range nets {
					if ipNet.Contains(source) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			log.Printf("level=warn component=api msg=\"request from disallowed source\" path=%s remote=%s", r.URL.Path, r.RemoteAddr)
			reject(w, r)
		})
	}
}

// remoteIP strips the port from the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
