package server

import (
	"net/url"
	"strings"
)

// originAllowed validates the Origin header on upgrade requests. The daemon
// serves the local machine only: browser pages on a loopback host, packaged
// pages (no origin / "null"), and same-machine tooling are accepted.
func originAllowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "null" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "file":
	default:
		return false
	}

	switch u.Hostname() {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
