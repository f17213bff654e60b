// Package certs issues the status server's TLS certificate from a local CA
// installed in the system trust store.
package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
)

// Manager keeps a certificate for the current set of host names under dir.
type Manager struct {
	caDir     string
	certDir   string
	certFile  string
	keyFile   string
	hostsFile string
	logger    *log.Logger
}

// NewManager lays out the CA and certificate under dir.
func NewManager(dir string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[certs] ", log.LstdFlags)
	}
	certDir := filepath.Join(dir, "tls")
	return &Manager{
		caDir:     filepath.Join(dir, "ca"),
		certDir:   certDir,
		certFile:  filepath.Join(certDir, "server.crt"),
		keyFile:   filepath.Join(certDir, "server.key"),
		hostsFile: filepath.Join(certDir, "hosts.txt"),
		logger:    logger,
	}
}

// CAFile is the PEM encoded root certificate clients must trust.
func (m *Manager) CAFile() string {
	return filepath.Join(m.caDir, "rootCA.pem")
}

// TLSConfig makes sure a certificate covering hosts exists and returns a
// server configuration using it. A new certificate is issued when the host
// list changed since the last run.
func (m *Manager) TLSConfig(hosts []string) (*tls.Config, error) {
	if err := os.MkdirAll(m.certDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	switch {
	case !m.certsExist():
		m.logger.Println("No certificate yet, issuing one")
		if err := m.issue(hosts); err != nil {
			return nil, err
		}
	case m.hostsChanged(hosts):
		m.logger.Println("Network addresses changed, reissuing certificate")
		if err := m.issue(hosts); err != nil {
			return nil, err
		}
	}

	pair, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readHosts()
	if err != nil {
		return true
	}
	a, b := slices.Clone(cached), slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readHosts() ([]string, error) {
	f, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if h := strings.TrimSpace(scanner.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0600)
}

// issue installs the CA when needed and signs a certificate for hosts.
func (m *Manager) issue(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore locates its CA through CAROOT
	os.Setenv("CAROOT", m.caDir)

	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	m.logger.Println("Installing local CA in the system trust store (may ask for a password)")
	if err := lib.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	m.logger.Printf("Issuing certificate for %v", hosts)
	cert, err := lib.MakeCert(hosts, m.certDir)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}
	if err := renameIfNeeded(cert.CertFile, m.certFile); err != nil {
		return err
	}
	if err := renameIfNeeded(cert.KeyFile, m.keyFile); err != nil {
		return err
	}

	if err := m.writeHosts(hosts); err != nil {
		m.logger.Printf("Could not record certificate hosts: %v", err)
	}
	if fp, err := Fingerprint(m.CAFile()); err == nil {
		m.logger.Printf("CA fingerprint (SHA256): %s", fp)
	}
	return nil
}

func renameIfNeeded(from, to string) error {
	if from == to {
		return nil
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to move %s: %w", filepath.Base(from), err)
	}
	return nil
}

// Fingerprint returns the colon separated SHA256 of the first certificate
// in a PEM file.
func Fingerprint(pemFile string) (string, error) {
	data, err := os.ReadFile(pemFile)
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("no PEM block in %s", pemFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
