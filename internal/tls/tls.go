// Package tls prepares the HTTPS configuration of the observability server,
// generating a self-signed certificate when none is present.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// Options select the certificate source. CertFile/KeyFile win over Dir.
type Options struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// Dir holds tls.crt and tls.key.
	Dir string
	// AutoGenerate creates a self-signed pair in Dir when missing.
	AutoGenerate bool
	// MinVersion is "1.2" or "1.3" (default).
	MinVersion string
	CommonName string
	DNSNames   []string
	ValidDays  int
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns the server TLS config, or nil when TLS is disabled.
func Setup(opts Options) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}
	minVer, ok := parseTLSVersion(opts.MinVersion)
	if !ok && opts.MinVersion != "" && opts.MinVersion != "default" {
		return nil, fmt.Errorf("unsupported TLS version %q", opts.MinVersion)
	}

	if opts.CertFile != "" && opts.KeyFile != "" {
		return createTLSConfig(opts.CertFile, opts.KeyFile, minVer)
	}

	if opts.Dir != "" {
		certPath := filepath.Join(opts.Dir, tlsCrt)
		keyPath := filepath.Join(opts.Dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if !opts.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s", opts.Dir)
			}
			if err := generateCertificate(opts, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer)
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc reloads the pair on every handshake so renewed files
// are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

func createTLSConfig(certPath, keyPath string, minVer uint16) (*tls.Config, error) {
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(opts Options, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	cn := opts.CommonName
	if cn == "" {
		cn = "localhost"
	}
	dns := opts.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	days := opts.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "GoatChain",
		DNSNames:     dns,
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}
