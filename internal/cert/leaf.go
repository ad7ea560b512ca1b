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
	"math/big"
	"net"
	"regexp"
	"time"

	"github.com/hsuehic/anyproxy/internal/perror"
)

// leafValidBefore/leafValidAfter implement the leaf's validity window:
// [now-1d, now+825d]. 825 days is Safari's macOS cap on leaf lifetime.
const (
	leafValidBefore = -24 * time.Hour
	leafValidAfter  = 825 * 24 * time.Hour
)

// LeafCert is an issued leaf certificate, owned by whichever CertCache
// entry holds it.
type LeafCert struct {
	Hostname  string
	TLS       tls.Certificate
	SANs      []string
	NotBefore time.Time
	NotAfter  time.Time
	IssuedAt  time.Time
}

// dnsLabelRE is a conservative RFC 1035 label check: letters, digits,
// hyphens, dot-separated, not starting/ending with a hyphen.
var dnsLabelRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validHostname(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return dnsLabelRE.MatchString(host)
}

// Issuer signs leaf certificates under a root CA.
type Issuer struct {
	ca *CA
}

// NewIssuer returns an Issuer bound to ca.
func NewIssuer(ca *CA) *Issuer {
	return &Issuer{ca: ca}
}

// Sign issues a fresh leaf certificate for hostname, signed by the root
// CA. hostname must be a non-empty, RFC 1035-valid label or chain of
// labels, or an IP literal.
func (iss *Issuer) Sign(hostname string) (*LeafCert, error) {
	if !validHostname(hostname) {
		return nil, perror.New(perror.CertIssueFailed, fmt.Sprintf("invalid hostname %q", hostname))
	}

	rootCert, err := iss.ca.Certificate()
	if err != nil {
		return nil, perror.Wrap(perror.CaUnavailable, "leaf issuance requires a loaded root CA", err)
	}
	rootKey, err := iss.ca.PrivateKey()
	if err != nil {
		return nil, perror.Wrap(perror.CaUnavailable, "leaf issuance requires a loaded root CA", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, perror.Wrap(perror.CertIssueFailed, "generate leaf key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, perror.Wrap(perror.CertIssueFailed, "generate leaf serial", err)
	}

	notBefore := time.Now().Add(leafValidBefore)
	notAfter := time.Now().Add(leafValidAfter)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	sans := []string{hostname}
	template.DNSNames = []string{hostname}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, perror.Wrap(perror.CertIssueFailed, "sign leaf certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, perror.Wrap(perror.CertIssueFailed, "marshal leaf key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, perror.Wrap(perror.CertIssueFailed, "build tls.Certificate", err)
	}

	return &LeafCert{
		Hostname:  hostname,
		TLS:       tlsCert,
		SANs:      sans,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		IssuedAt:  time.Now(),
	}, nil
}
