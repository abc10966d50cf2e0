// Package certs owns the TLS certificate lifecycle: load, validate,
// regenerate, and optionally install into the user's trust store. The
// on-disk form is a password-protected PKCS#12 bundle so the tray UI and
// installer can reuse it.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// renewWindow is how close to expiry an existing certificate may be before
// it is regenerated.
const renewWindow = 30 * 24 * time.Hour

// Options configure the certificate manager.
type Options struct {
	Path         string // PKCS#12 bundle location
	Password     string
	Subject      string // extra SAN; CN stays localhost
	ValidityDays int
	AutoInstall  bool // install into the user trust store whenever Obtain returns a certificate
}

// Manager owns one certificate bundle.
type Manager struct {
	opts Options
}

// NewManager creates a manager for the given options.
func NewManager(opts Options) *Manager {
	if opts.ValidityDays <= 0 {
		opts.ValidityDays = 365
	}
	return &Manager{opts: opts}
}

// Obtain returns a usable server certificate: the on-disk bundle when it is
// present and not near expiry, otherwise a freshly generated one. Trust
// store installation is best-effort and never fails the call.
func (m *Manager) Obtain() (*tls.Certificate, error) {
	if cert, leaf, err := m.load(); err == nil {
		if time.Until(leaf.NotAfter) > renewWindow {
			m.install(leaf)
			return cert, nil
		}
		log.Printf("[Certs] certificate expires %s, regenerating", leaf.NotAfter.Format(time.RFC3339))
	} else if !os.IsNotExist(err) {
		log.Printf("[Certs] existing bundle unusable, regenerating: %v", err)
	}

	cert, leaf, err := m.generate()
	if err != nil {
		return nil, err
	}
	m.install(leaf)
	return cert, nil
}

func (m *Manager) load() (*tls.Certificate, *x509.Certificate, error) {
	data, err := os.ReadFile(m.opts.Path)
	if err != nil {
		return nil, nil, err
	}

	key, leaf, _, err := pkcs12.DecodeChain(data, m.opts.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("decode bundle: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, leaf, nil
}

// generate creates a new self-signed server certificate and writes the
// bundle atomically.
func (m *Manager) generate() (*tls.Certificate, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	dnsNames := []string{"localhost"}
	if m.opts.Subject != "" && m.opts.Subject != "localhost" {
		dnsNames = append(dnsNames, m.opts.Subject)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"ScanWithWeb"},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.AddDate(0, 0, m.opts.ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	bundle, err := pkcs12.Modern.Encode(key, leaf, nil, m.opts.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("encode bundle: %w", err)
	}

	if err := writeAtomic(m.opts.Path, bundle); err != nil {
		return nil, nil, err
	}
	log.Printf("[Certs] generated certificate valid until %s", leaf.NotAfter.Format(time.RFC3339))

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, leaf, nil
}

// install puts the certificate into the user trust store when configured.
// Already-trusted certificates are left alone; failure only logs.
func (m *Manager) install(leaf *x509.Certificate) {
	if !m.opts.AutoInstall {
		return
	}
	installed, err := installTrusted(leaf)
	switch {
	case err != nil:
		log.Printf("[Certs] trust store install failed (browsers may warn): %v", err)
	case installed:
		log.Printf("[Certs] certificate installed into the user trust store")
	}
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace bundle: %w", err)
	}
	return nil
}
