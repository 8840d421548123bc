// Package certs issues TLS leaf certificates signed by a local root CA.
//
// The root keypair lives as PEM files in the data directory. Leaves are kept
// in memory and in a sqlite identity store so a host gets the same
// certificate across restarts.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"netopsy/pkg/logger"
)

const (
	RootCertFile = "root-ca.pem"
	RootKeyFile  = "root-ca.key"
	StoreFile    = "identities.db"

	rootCommonName = "Netopsy Root Certificate"
	rootComment    = "This Root certificate was generated by Netopsy for SSL Proxying"
	rootSerial     = 1
	keyBits        = 2048
)

var oidNetscapeComment = asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 13}

// Config locates the key material and sets validity periods.
type Config struct {
	Dir          string
	RootValidity time.Duration
	LeafValidity time.Duration
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		RootValidity: 10 * 365 * 24 * time.Hour,
		LeafValidity: 365 * 24 * time.Hour,
	}
}

func subject(cn string) pkix.Name {
	return pkix.Name{
		Country:      []string{"US"},
		Province:     []string{"CA"},
		Locality:     []string{"Emeryville"},
		Organization: []string{"Netopsy"},
		CommonName:   cn,
	}
}

// Authority hands out per-host leaf certificates. Safe for concurrent use.
type Authority struct {
	cfg      Config
	certPath string
	keyPath  string

	root    *x509.Certificate
	rootKey *rsa.PrivateKey
	rootPEM []byte

	store *IdentityStore

	// mu guards everything below; a lookup miss, the store read and the
	// mint all happen while holding it.
	mu         sync.Mutex
	cache      map[string]*tls.Certificate
	nextSerial int64
	mints      int
}

// Open loads the root CA from cfg.Dir, creating it when absent, and opens the
// identity store.
func Open(cfg Config) (*Authority, error) {
	def := DefaultConfig(cfg.Dir)
	if cfg.RootValidity <= 0 {
		cfg.RootValidity = def.RootValidity
	}
	if cfg.LeafValidity <= 0 {
		cfg.LeafValidity = def.LeafValidity
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}

	a := &Authority{
		cfg:      cfg,
		certPath: filepath.Join(cfg.Dir, RootCertFile),
		keyPath:  filepath.Join(cfg.Dir, RootKeyFile),
		cache:    make(map[string]*tls.Certificate),
	}

	if err := a.ensureRoot(); err != nil {
		return nil, err
	}
	if err := a.loadRoot(); err != nil {
		return nil, err
	}

	store, err := OpenIdentityStore(filepath.Join(cfg.Dir, StoreFile))
	if err != nil {
		return nil, storeErr("open store", err)
	}
	a.store = store

	last, err := store.MaxSerial()
	if err != nil {
		store.Close()
		return nil, storeErr("read serial", err)
	}
	a.nextSerial = last + 1
	if a.nextSerial <= rootSerial {
		a.nextSerial = rootSerial + 1
	}

	logger.CertLog().
		Str("root", a.certPath).
		Int64("next_serial", a.nextSerial).
		Msg("Certificate authority ready")

	return a, nil
}

// ========================================
// Root
// ========================================

func fileUsable(path string) (bool, error) {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Size() > 0, nil
}

// ensureRoot generates a root only when neither file holds anything. A lone
// cert or key is left alone since clients may already trust that root.
func (a *Authority) ensureRoot() error {
	haveCert, err := fileUsable(a.certPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRootCert, err)
	}
	haveKey, err := fileUsable(a.keyPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRootCert, err)
	}

	switch {
	case haveCert && haveKey:
		logger.CertLog().Str("path", a.certPath).Msg("Loading existing root certificate")
		return nil
	case haveCert != haveKey:
		return fmt.Errorf("%w: only one of %s and %s is present", ErrNoRootCert, RootCertFile, RootKeyFile)
	}

	logger.CertLog().Msg("Root certificate missing, generating new CA")
	return a.generateRoot()
}

func (a *Authority) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return storeErr("generate root key", err)
	}

	comment, err := asn1.MarshalWithParams(rootComment, "ia5")
	if err != nil {
		return storeErr("encode root comment", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          big.NewInt(rootSerial),
		Subject:               subject(rootCommonName),
		NotBefore:             now,
		NotAfter:              now.Add(a.cfg.RootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          keyID(&key.PublicKey),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		ExtraExtensions: []pkix.Extension{
			{Id: oidNetscapeComment, Value: comment},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return storeErr("sign root", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(a.keyPath, keyPEM, 0600); err != nil {
		return storeErr("write root key", err)
	}
	if err := os.WriteFile(a.certPath, certPEM, 0644); err != nil {
		return storeErr("write root cert", err)
	}

	logger.CertLog().Str("path", a.certPath).Msg("Root certificate generated")
	return nil
}

func (a *Authority) loadRoot() error {
	certPEM, err := os.ReadFile(a.certPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRootCert, err)
	}
	keyPEM, err := os.ReadFile(a.keyPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRootCert, err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRootCert, err)
	}
	root, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRootCert, err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: root key is not RSA", ErrNoRootCert)
	}
	if !root.IsCA {
		return fmt.Errorf("%w: %s is not a CA certificate", ErrNoRootCert, RootCertFile)
	}

	a.root = root
	a.rootKey = key
	a.rootPEM = certPEM
	return nil
}

func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}

// RootCertificate is the parsed root CA.
func (a *Authority) RootCertificate() *x509.Certificate {
	return a.root
}

// RootPEM is the root CA exactly as stored on disk, for installing into clients.
func (a *Authority) RootPEM() []byte {
	return a.rootPEM
}

func (a *Authority) RootPath() string {
	return a.certPath
}

// ========================================
// Leaves
// ========================================

// normalizeHost lowercases and strips any port or IPv6 brackets.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(host)
}

// CertificateForHost returns the leaf for host, loading it from the store or
// minting it on first use. Concurrent callers for the same new host share a
// single mint and receive the same *tls.Certificate.
func (a *Authority) CertificateForHost(host string) (*tls.Certificate, error) {
	label := normalizeHost(host)
	if label == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidRequest)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if cert, ok := a.cache[label]; ok {
		return cert, nil
	}

	if cert, err := a.loadStored(label); err != nil {
		return nil, err
	} else if cert != nil {
		a.cache[label] = cert
		return cert, nil
	}

	cert, err := a.mint(label)
	if err != nil {
		logger.Error("certs").Err(err).Str("host", label).Msg("Leaf issuance failed")
		return nil, err
	}
	a.cache[label] = cert
	return cert, nil
}

// loadStored returns nil, nil when nothing usable is stored for label.
func (a *Authority) loadStored(label string) (*tls.Certificate, error) {
	id, err := a.store.Lookup(label)
	if err != nil {
		return nil, storeErr("lookup", err)
	}
	if id == nil {
		return nil, nil
	}

	if time.Now().After(id.NotAfter) {
		logger.CertLog().Str("host", label).Int64("serial", id.Serial).Msg("Stored leaf expired, reissuing")
		return nil, nil
	}

	pair, err := tls.X509KeyPair(id.CertPEM, id.KeyPEM)
	if err != nil {
		logger.Warn("certs").Err(err).Str("host", label).Msg("Stored leaf unreadable, reissuing")
		return nil, nil
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil || leaf.CheckSignatureFrom(a.root) != nil {
		logger.Warn("certs").Str("host", label).Msg("Stored leaf not signed by current root, reissuing")
		return nil, nil
	}

	pair.Leaf = leaf
	pair.Certificate = append(pair.Certificate, a.root.Raw)
	return &pair, nil
}

// mint must be called with a.mu held.
func (a *Authority) mint(label string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, storeErr("generate leaf key", err)
	}

	csr, err := newRequest(label, key)
	if err != nil {
		return nil, err
	}

	serial := a.nextSerial
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:       big.NewInt(serial),
		Subject:            csr.Subject,
		NotBefore:          now,
		NotAfter:           now.Add(a.cfg.LeafValidity),
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		AuthorityKeyId:     a.root.SubjectKeyId,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	if ip := net.ParseIP(label); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{label}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.root, csr.PublicKey, a.rootKey)
	if err != nil {
		return nil, storeErr("sign leaf", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, storeErr("parse leaf", err)
	}

	id := &Identity{
		Label:    label,
		Serial:   serial,
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		NotAfter: leaf.NotAfter,
		Created:  now,
	}
	if err := a.store.Save(id); err != nil {
		return nil, storeErr("save leaf", err)
	}

	a.nextSerial++
	a.mints++

	logger.CertLog().Str("host", label).Int64("serial", serial).Msg("Issued leaf certificate")

	return &tls.Certificate{
		Certificate: [][]byte{der, a.root.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// newRequest builds a CSR for label and checks its signature before use.
func newRequest(label string, key *rsa.PrivateKey) (*x509.CertificateRequest, error) {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject(label),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return nil, storeErr("create request", err)
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return csr, nil
}

// Mints is how many leaves this Authority has signed since Open.
func (a *Authority) Mints() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mints
}

// Identities lists every leaf in the persistent store.
func (a *Authority) Identities() ([]Identity, error) {
	ids, err := a.store.List()
	if err != nil {
		return nil, storeErr("list", err)
	}
	return ids, nil
}

// TLSConfig returns a server config that picks the leaf from the client's SNI,
// falling back to host when the client sent none.
func (a *Authority) TLSConfig(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS10,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return a.CertificateForHost(name)
		},
	}
}

func (a *Authority) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
