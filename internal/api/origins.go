package api

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultOrigin is always allowed when no public origin is configured.
const DefaultOrigin = "http://localhost:8080"

// AllowedOrigins derives the CORS allow list. Configured public origins win;
// otherwise the default plus the local forms of listenAddr are allowed.
func AllowedOrigins(listenAddr, publicOrigins string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(origin string) {
		if origin == "" {
			return
		}
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}

	for _, o := range strings.FieldsFunc(publicOrigins, isOriginSeparator) {
		add(normalizeOrigin(o))
	}
	if len(out) > 0 {
		return out
	}

	add(DefaultOrigin)
	for _, o := range listenOrigins(listenAddr) {
		add(o)
	}
	return out
}

func isOriginSeparator(r rune) bool {
	switch r {
	case ',', ';', ' ', '\n', '\r', '\t':
		return true
	}
	return false
}

// normalizeOrigin keeps scheme and host, lowercased.
func normalizeOrigin(origin string) string {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}

func listenOrigins(listenAddr string) []string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return nil
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return nil
	}

	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "0.0.0.0" && host != "::" && host != "127.0.0.1" && host != "localhost" {
		hosts = append(hosts, host)
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, fmt.Sprintf("http://%s", net.JoinHostPort(h, port)))
	}
	return out
}
