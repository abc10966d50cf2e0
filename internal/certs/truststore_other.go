//go:build !windows

package certs

import "crypto/x509"

// installTrusted is a no-op outside windows: there is no per-user trust
// store the daemon can write without elevation. Users trust the certificate
// manually in the browser instead; WSS still works.
func installTrusted(leaf *x509.Certificate) (bool, error) {
	return false, nil
}
