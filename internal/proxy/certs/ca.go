// Package certs implements a session-scoped certificate authority that
// signs per-host leaf certificates for TLS termination. The CA key pair
// lives only in process memory for the lifetime of one session and is never
// written to disk.
package certs

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// CA is a self-signed root that signs leaf certificates on demand.
type CA struct {
	cert    *x509.Certificate
	certDER []byte
	key     *rsa.PrivateKey
}

// NewCA generates a fresh 2048-bit RSA self-signed CA, grounded on the same
// x509.CreateCertificate shape used for standalone cert generation, but
// self-signing as a CA (IsCA/KeyUsageCertSign) rather than a leaf.
func NewCA(organization string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating CA serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " session CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated CA: %w", err)
	}
	return &CA{cert: cert, certDER: der, key: key}, nil
}

// CertPEM returns the CA certificate in PEM form, for the supervisor to
// expose to the child process (NODE_EXTRA_CA_CERTS / SSL_CERT_FILE).
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.certDER})
}

// IssueLeaf signs a leaf certificate for the given host, valid for 24 hours.
func (ca *CA) IssueLeaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating leaf serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf for %s: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.certDER},
		PrivateKey:  key,
	}, nil
}

// LeafCache is a bounded, session-scoped LRU of issued leaf certificates,
// keyed by host, so repeated connections to the same host reuse the leaf
// rather than re-signing on every CONNECT.
type LeafCache struct {
	ca       *CA
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type leafEntry struct {
	host string
	cert *tls.Certificate
}

// NewLeafCache builds a cache backed by ca, bounded to capacity entries.
func NewLeafCache(ca *CA, capacity int) *LeafCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &LeafCache{
		ca:       ca,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached leaf for host, issuing and caching a new one if
// absent.
func (c *LeafCache) Get(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	if el, ok := c.entries[host]; ok {
		c.order.MoveToFront(el)
		cert := el.Value.(*leafEntry).cert
		c.mu.Unlock()
		return cert, nil
	}
	c.mu.Unlock()

	cert, err := c.ca.IssueLeaf(host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[host]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*leafEntry).cert, nil
	}
	el := c.order.PushFront(&leafEntry{host: host, cert: cert})
	c.entries[host] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*leafEntry).host)
	}
	return cert, nil
}

// GetCertificate adapts Get to tls.Config's GetCertificate hook.
func (c *LeafCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI host in client hello")
	}
	return c.Get(host)
}
