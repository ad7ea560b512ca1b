// Package cert implements the root certificate authority, per-host leaf
// issuance, and the leaf cache that backs MITM interception.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hsuehic/anyproxy/internal/perror"
)

const (
	rootKeyName  = "rootCA.key"
	rootCertName = "rootCA.crt"
	rootKeyPerm  = 0600
	caValidYears = 10
	// commonName is fixed.
	commonName = "AnyProxy"
)

// Subject carries the configurable subject attributes of the root CA.
type Subject struct {
	Country            string
	Organization       string
	State              string
	OrganizationalUnit string
}

// CA owns the root key/certificate pair. It is immutable after creation or
// load; Generate is the only mutator and refuses to run twice without
// overwrite=true.
type CA struct {
	dir string

	mu   sync.RWMutex
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

// NewCA returns a CA bound to dir without loading or generating anything.
func NewCA(dir string) *CA {
	return &CA{dir: dir}
}

// RootPath returns the directory containing the root key/cert files.
func (ca *CA) RootPath() string { return ca.dir }

// CertPath returns the on-disk path of the root certificate PEM file.
func (ca *CA) CertPath() string { return ca.certPath() }

func (ca *CA) keyPath() string  { return filepath.Join(ca.dir, rootKeyName) }
func (ca *CA) certPath() string { return filepath.Join(ca.dir, rootCertName) }

// Exists reports whether both the root key and root certificate are
// present on disk.
func (ca *CA) Exists() bool {
	if _, err := os.Stat(ca.keyPath()); err != nil {
		return false
	}
	if _, err := os.Stat(ca.certPath()); err != nil {
		return false
	}
	return true
}

// Load reads the root key/certificate from disk into memory. Exists must
// be true, or this fails.
func (ca *CA) Load() error {
	keyData, err := os.ReadFile(ca.keyPath())
	if err != nil {
		return perror.Wrap(perror.CaUnavailable, "read root key", err)
	}
	certData, err := os.ReadFile(ca.certPath())
	if err != nil {
		return perror.Wrap(perror.CaUnavailable, "read root certificate", err)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return perror.New(perror.CaUnavailable, "invalid root key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return perror.Wrap(perror.CaUnavailable, "parse root key", err)
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return perror.New(perror.CaUnavailable, "invalid root certificate PEM")
	}
	parsedCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return perror.Wrap(perror.CaUnavailable, "parse root certificate", err)
	}

	ca.mu.Lock()
	ca.key = key
	ca.cert = parsedCert
	ca.mu.Unlock()
	return nil
}

// Generate creates a new self-signed root CA and writes it to disk. If the
// key/cert files already exist and overwrite is false, it fails without
// touching them.
func (ca *CA) Generate(subject Subject, overwrite bool) (keyPath, certPath string, err error) {
	if !overwrite && ca.Exists() {
		return "", "", perror.New(perror.ConfigInvalid, "root CA already exists; pass overwrite=true to replace it")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(caValidYears, 0, 0)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         commonName,
			Country:            nonEmpty(subject.Country),
			Organization:       nonEmpty(subject.Organization),
			Province:           nonEmpty(subject.State),
			OrganizationalUnit: nonEmpty(subject.OrganizationalUnit),
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create root certificate: %w", err)
	}
	parsedCert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return "", "", fmt.Errorf("parse generated root certificate: %w", err)
	}

	if err := os.MkdirAll(ca.dir, 0700); err != nil {
		return "", "", fmt.Errorf("create CA directory: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal root key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(ca.keyPath(), keyPEM, rootKeyPerm); err != nil {
		return "", "", fmt.Errorf("write root key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	if err := os.WriteFile(ca.certPath(), certPEM, 0644); err != nil {
		return "", "", fmt.Errorf("write root certificate: %w", err)
	}

	ca.mu.Lock()
	ca.key = key
	ca.cert = parsedCert
	ca.mu.Unlock()

	slog.Info("root CA generated", "dir", ca.dir)
	return ca.keyPath(), ca.certPath(), nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Certificate returns the in-memory root certificate. Callers must Load or
// Generate first.
func (ca *CA) Certificate() (*x509.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.cert == nil {
		return nil, perror.New(perror.CaUnavailable, "root CA not loaded")
	}
	return ca.cert, nil
}

// PrivateKey returns the in-memory root private key.
func (ca *CA) PrivateKey() (*ecdsa.PrivateKey, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.key == nil {
		return nil, perror.New(perror.CaUnavailable, "root CA not loaded")
	}
	return ca.key, nil
}

// CertificatePEM returns the root certificate as PEM bytes.
func (ca *CA) CertificatePEM() ([]byte, error) {
	cert, err := ca.Certificate()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), nil
}

// TLSCertificate returns a tls.Certificate for the root CA itself (its own
// key and certificate, not a leaf).
func (ca *CA) TLSCertificate() (tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.cert == nil || ca.key == nil {
		return tls.Certificate{}, perror.New(perror.CaUnavailable, "root CA not loaded")
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	keyBytes, err := x509.MarshalECPrivateKey(ca.key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return tls.X509KeyPair(certPEM, keyPEM)
}

// LoadOrGenerate loads the root CA if it exists, else generates one. It is
// a convenience for callers that don't need Generate's explicit overwrite
// semantics.
func LoadOrGenerate(dir string, subject Subject) (*CA, error) {
	ca := NewCA(dir)
	if ca.Exists() {
		return ca, ca.Load()
	}
	_, _, err := ca.Generate(subject, false)
	return ca, err
}
