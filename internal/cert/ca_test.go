package cert

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSubject() Subject {
	return Subject{Country: "US", Organization: "Test", State: "CA", OrganizationalUnit: "TestCA"}
}

func TestCA_GenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	ca := NewCA(dir)

	if ca.Exists() {
		t.Fatalf("fresh dir should report Exists()=false")
	}

	keyPath, certPath, err := ca.Generate(testSubject(), false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if _, err := os.Stat(certPath); err != nil {
		t.Fatalf("cert file missing: %v", err)
	}
	if !ca.Exists() {
		t.Fatalf("Exists() should be true after Generate")
	}

	cert, err := ca.Certificate()
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if cert.Subject.CommonName != commonName {
		t.Fatalf("CommonName = %q, want %q", cert.Subject.CommonName, commonName)
	}
	if !cert.IsCA {
		t.Fatalf("expected IsCA=true")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Fatalf("expected KeyUsageCertSign")
	}
	if time.Until(cert.NotAfter) < 9*365*24*time.Hour {
		t.Fatalf("expected >= ~10y validity, got NotAfter=%v", cert.NotAfter)
	}

	// A fresh CA handle loading the same dir should see the same cert.
	reloaded := NewCA(dir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	reloadedCert, err := reloaded.Certificate()
	if err != nil {
		t.Fatalf("Certificate after reload: %v", err)
	}
	if reloadedCert.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Fatalf("reloaded cert has different serial")
	}
}

func TestCA_GenerateIdempotent(t *testing.T) {
	dir := t.TempDir()
	ca := NewCA(dir)
	if _, _, err := ca.Generate(testSubject(), false); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(dir, rootCertName))
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	if _, _, err := ca.Generate(testSubject(), false); err == nil {
		t.Fatalf("expected second Generate(overwrite=false) to fail")
	}

	after, err := os.ReadFile(filepath.Join(dir, rootCertName))
	if err != nil {
		t.Fatalf("read cert after failed regenerate: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("cert on disk changed after a failed overwrite=false Generate")
	}
}

func TestCA_GenerateOverwrite(t *testing.T) {
	dir := t.TempDir()
	ca := NewCA(dir)
	if _, _, err := ca.Generate(testSubject(), false); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	first, _ := ca.Certificate()

	if _, _, err := ca.Generate(testSubject(), true); err != nil {
		t.Fatalf("Generate(overwrite=true): %v", err)
	}
	second, _ := ca.Certificate()
	if first.SerialNumber.Cmp(second.SerialNumber) == 0 {
		t.Fatalf("expected a new serial after overwrite")
	}
}
