package tool

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/moyoez/vaultdrop/types"
)

const (
	certValidity = 365 * 24 * time.Hour
	// certRenewBefore regenerates a certificate that would lapse mid-transfer.
	certRenewBefore = 24 * time.Hour
)

// GetOrCreateTLSCert loads the certificate kept in cfg or generates a new
// self-signed one and stores it back into cfg. changed reports whether cfg
// was modified and should be persisted.
func GetOrCreateTLSCert(cfg *types.ServerConfig) (cert tls.Certificate, changed bool, err error) {
	if cfg.CertPEM != "" && cfg.KeyPEM != "" {
		cert, err = loadStoredCert(cfg.CertPEM, cfg.KeyPEM, time.Now())
		if err == nil {
			DefaultLogger.Infof("Loaded TLS certificate from config (fingerprint %s)", CertFingerprint(cert.Certificate[0]))
			return cert, false, nil
		}
		DefaultLogger.Warnf("Stored TLS certificate unusable, generating a new one: %v", err)
	}

	certPEM, keyPEM, err := newSelfSignedPEM(time.Now(), LocalIPv4Addrs())
	if err != nil {
		return tls.Certificate{}, false, err
	}
	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, false, fmt.Errorf("load generated certificate: %w", err)
	}
	cfg.CertPEM, cfg.KeyPEM = string(certPEM), string(keyPEM)
	DefaultLogger.Infof("Generated self-signed TLS certificate (fingerprint %s)", CertFingerprint(cert.Certificate[0]))
	return cert, true, nil
}

// CertFingerprint is the hex SHA-256 of a DER certificate, truncated to 16 bytes.
func CertFingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:16])
}

func loadStoredCert(certPEM, keyPEM string, now time.Time) (tls.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return tls.Certificate{}, errors.New("no PEM block in certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	if now.Add(certRenewBefore).After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expires %s", leaf.NotAfter.Format(time.RFC3339))
	}
	return tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
}

// newSelfSignedPEM issues a P-256 certificate valid for localhost and the
// given LAN addresses, so download links opened from a phone on the same
// network match the certificate.
func newSelfSignedPEM(now time.Time, lanIPs []string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	for _, s := range lanIPs {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "vaultdrop",
			Organization: []string{"vaultdrop"},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(certValidity),
		DNSNames:    []string{"localhost"},
		IPAddresses: ips,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
