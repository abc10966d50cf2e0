//go:build windows

package certs

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// installTrusted adds the certificate to the current user's Root store,
// keyed by SHA-1 thumbprint so repeated starts never duplicate the entry.
// Returns true when the certificate was actually added.
func installTrusted(leaf *x509.Certificate) (bool, error) {
	storeName, err := syscall.UTF16PtrFromString("Root")
	if err != nil {
		return false, err
	}

	store, err := windows.CertOpenStore(
		windows.CERT_STORE_PROV_SYSTEM,
		0,
		0,
		windows.CERT_SYSTEM_STORE_CURRENT_USER,
		uintptr(unsafe.Pointer(storeName)),
	)
	if err != nil {
		return false, fmt.Errorf("open user root store: %w", err)
	}
	defer windows.CertCloseStore(store, 0)

	trusted, err := storeContains(store, leaf)
	if err != nil {
		return false, err
	}
	if trusted {
		return false, nil
	}

	err = windows.CertAddEncodedCertificateToStore(
		store,
		windows.X509_ASN_ENCODING|windows.PKCS_7_ASN_ENCODING,
		&leaf.Raw[0],
		uint32(len(leaf.Raw)),
		windows.CERT_STORE_ADD_REPLACE_EXISTING,
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("add certificate: %w", err)
	}
	return true, nil
}

// storeContains walks the store comparing SHA-1 thumbprints.
func storeContains(store windows.Handle, leaf *x509.Certificate) (bool, error) {
	want := sha1.Sum(leaf.Raw)

	var cert *windows.CertContext
	for {
		next, err := windows.CertEnumCertificatesInStore(store, cert)
		if err != nil {
			if errno, ok := err.(syscall.Errno); ok && errno == syscall.Errno(windows.CRYPT_E_NOT_FOUND) {
				return false, nil
			}
			return false, fmt.Errorf("enumerate store: %w", err)
		}
		if next == nil {
			return false, nil
		}
		cert = next

		der := unsafe.Slice(cert.EncodedCert, cert.Length)
		got := sha1.Sum(der)
		if bytes.Equal(want[:], got[:]) {
			windows.CertFreeCertificateContext(cert)
			return true, nil
		}
	}
}
