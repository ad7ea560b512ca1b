package cert

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// TrustState is the tri-state result of IsTrusted: the
// proxy cannot reliably answer the question on Windows without an
// elevated helper, so it reports Unknown there rather than guessing.
type TrustState int

const (
	TrustUnknown TrustState = iota
	TrustTrusted
	TrustNotTrusted
)

func (s TrustState) String() string {
	switch s {
	case TrustTrusted:
		return "trusted"
	case TrustNotTrusted:
		return "not-trusted"
	default:
		return "unknown"
	}
}

// IsTrusted reports whether the root certificate at certPath is trusted by
// the host OS's certificate store.
func IsTrusted(certPath string) TrustState {
	switch runtime.GOOS {
	case "darwin":
		return isTrustedDarwin(certPath)
	case "linux":
		return isTrustedLinux(certPath)
	case "windows":
		return TrustUnknown
	default:
		return TrustUnknown
	}
}

func isTrustedDarwin(certPath string) TrustState {
	caCert, err := loadPEMCertificateFromFile(certPath)
	if err != nil {
		return TrustUnknown
	}
	want := FingerprintSHA256(caCert)

	var keychains []string
	if home, ok := os.LookupEnv("HOME"); ok && home != "" {
		for _, kc := range []string{
			filepath.Join(home, "Library", "Keychains", "login.keychain-db"),
			filepath.Join(home, "Library", "Keychains", "login.keychain"),
		} {
			if _, err := os.Stat(kc); err == nil {
				keychains = append(keychains, kc)
			}
		}
	}
	keychains = append(keychains, "/Library/Keychains/System.keychain")

	names := []string{}
	if caCert.Subject.CommonName != "" {
		names = append(names, caCert.Subject.CommonName)
	}
	names = append(names, commonName)

	for _, kc := range keychains {
		for _, name := range names {
			out, _ := exec.Command("security", "find-certificate", "-a", "-Z", "-c", name, kc).CombinedOutput()
			if securityOutputHasFingerprint(out, want) {
				return TrustTrusted
			}
		}
	}
	return TrustNotTrusted
}

func isTrustedLinux(certPath string) TrustState {
	locations := []string{
		"/usr/local/share/ca-certificates/anyproxy-ca.crt",
		"/etc/ssl/certs/anyproxy-ca.pem",
		"/etc/pki/ca-trust/source/anchors/anyproxy-ca.crt",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return TrustTrusted
		}
	}
	return TrustNotTrusted
}

func loadPEMCertificateFromFile(certPath string) (*x509.Certificate, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("invalid certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

// FingerprintSHA256 returns the upper-case hex SHA-256 fingerprint of
// cert's raw DER encoding.
func FingerprintSHA256(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func securityOutputHasFingerprint(output []byte, want string) bool {
	if len(output) == 0 || want == "" {
		return false
	}
	want = strings.ToUpper(strings.ReplaceAll(want, " ", ""))
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "SHA-256 hash:") {
			continue
		}
		got := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(strings.TrimPrefix(line, "SHA-256 hash:")), " ", ""))
		if got == want {
			return true
		}
	}
	return false
}

// InstallToTrustStore installs the CA certificate non-interactively (no TTY
// prompts). On macOS and Windows it goes into the current user's trust
// store. On Linux it is copied into the system CA directory and
// update-ca-certificates or update-ca-trust is run, which typically needs
// elevated privileges.
func InstallToTrustStore(certPath string) error {
	switch runtime.GOOS {
	case "darwin":
		return installDarwinUser(certPath)
	case "linux":
		return installLinux(certPath)
	case "windows":
		return installWindowsUser(certPath)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func installDarwinUser(certPath string) error {
	args := []string{"add-trusted-cert", "-r", "trustRoot"}
	if home, ok := os.LookupEnv("HOME"); ok && home != "" {
		loginKC := filepath.Join(home, "Library", "Keychains", "login.keychain-db")
		if _, err := os.Stat(loginKC); err == nil {
			args = append(args, "-k", loginKC)
		}
	}
	args = append(args, certPath)
	out, err := exec.Command("security", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("install CA to user keychain: %w: %s", err, out)
	}
	slog.Info("CA certificate installed to user trust store")
	return nil
}

func installLinux(certPath string) error {
	destDir := "/usr/local/share/ca-certificates"
	if _, err := os.Stat(destDir); os.IsNotExist(err) {
		for _, dir := range []string{"/etc/ssl/certs", "/etc/pki/ca-trust/source/anchors"} {
			if _, err := os.Stat(dir); err == nil {
				destDir = dir
				break
			}
		}
	}
	destPath := filepath.Join(destDir, "anyproxy-ca.crt")
	data, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("copy certificate to %s: %w", destPath, err)
	}
	for _, candidate := range []string{"/usr/sbin/update-ca-certificates", "/usr/bin/update-ca-certificates"} {
		if _, err := os.Stat(candidate); err == nil {
			return exec.Command(candidate).Run()
		}
	}
	if _, err := os.Stat("/usr/bin/update-ca-trust"); err == nil {
		return exec.Command("/usr/bin/update-ca-trust", "extract").Run()
	}
	return fmt.Errorf("no update-ca-certificates/update-ca-trust command found")
}

func installWindowsUser(certPath string) error {
	return exec.Command("certutil", "-addstore", "-f", "-user", "Root", certPath).Run()
}
