package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

const (
	caName          = "interceptd"
	caFileName      = "interceptd-ca.pem"
	caKeyBits       = 2048
	maxCachedLeaves = 1024
)

// SelfSignCA is a CA backed by root material on disk. The root pair is
// loaded from user-provided files or generated once and persisted under the
// store path. Leaf certificates are cached in memory with at-most-one
// concurrent generation per hostname, and optionally mirrored to disk.
type SelfSignCA struct {
	caCert  *x509.Certificate
	caKey   *rsa.PrivateKey
	leafKey *rsa.PrivateKey

	storePath string // "" disables the disk mirror
	validity  time.Duration

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group
}

// NewSelfSignCA loads the CA pair from path (defaulting to ~/.interceptd),
// generating and persisting a fresh self-signed root when none exists.
func NewSelfSignCA(path string) (CA, error) {
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, err
	}

	ca := newCA(storePath, DefaultValidity)
	if err := ca.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		slog.Info("generating self-signed root CA", "file", ca.caFile())
		if err := ca.create(); err != nil {
			return nil, err
		}
	}
	if err := ca.initLeafKey(nil); err != nil {
		return nil, err
	}
	return ca, nil
}

// NewFromFiles builds a CA from user-provided PEM files. signingKeyFile may
// be empty, in which case a fresh leaf signing key is generated at startup.
// storeDir, when non-empty, enables the on-disk leaf mirror.
func NewFromFiles(certFile, keyFile, signingKeyFile, storeDir string, validity time.Duration) (CA, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	ca := newCA(storeDir, validity)

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	if err := ca.parsePEM(certPEM, keyPEM); err != nil {
		return nil, err
	}
	if !ca.caCert.IsCA {
		return nil, errors.New("cert: provided certificate is not a CA")
	}

	var signingKey *rsa.PrivateKey
	if signingKeyFile != "" {
		pemBytes, err := os.ReadFile(signingKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		signingKey, err = parseKeyPEM(pemBytes)
		if err != nil {
			return nil, err
		}
	}
	if err := ca.initLeafKey(signingKey); err != nil {
		return nil, err
	}
	if storeDir != "" {
		if err := os.MkdirAll(storeDir, 0o755); err != nil {
			return nil, err
		}
	}
	return ca, nil
}

func newCA(storePath string, validity time.Duration) *SelfSignCA {
	return &SelfSignCA{
		storePath: storePath,
		validity:  validity,
		cache:     lru.New(maxCachedLeaves),
		group:     new(singleflight.Group),
	}
}

// getStorePath resolves and creates the CA storage directory.
func getStorePath(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, ".interceptd")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("cert: %s is not a directory", path)
	}
	return path, nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storePath, caFileName)
}

func (ca *SelfSignCA) load() error {
	data, err := os.ReadFile(ca.caFile())
	if err != nil {
		return err
	}
	return ca.parsePEM(data, data)
}

func (ca *SelfSignCA) parsePEM(certPEM, keyPEM []byte) error {
	var certDER []byte
	for rest := certPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" && certDER == nil {
			certDER = block.Bytes
		}
	}
	if certDER == nil {
		return errors.New("cert: no CERTIFICATE block found")
	}
	caCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return err
	}

	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return err
	}

	ca.caCert = caCert
	ca.caKey = key
	return nil
}

func parseKeyPEM(keyPEM []byte) (*rsa.PrivateKey, error) {
	for rest := keyPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, errors.New("cert: only RSA keys are supported")
			}
			return rsaKey, nil
		}
	}
	return nil, errors.New("cert: no private key block found")
}

func (ca *SelfSignCA) create() error {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   caName,
			Organization: []string{caName},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	ca.caCert = caCert
	ca.caKey = key
	return ca.save()
}

func (ca *SelfSignCA) initLeafKey(key *rsa.PrivateKey) error {
	if key == nil {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, caKeyBits)
		if err != nil {
			return err
		}
	}
	ca.leafKey = key
	return nil
}

// saveTo writes the CA pair PEM to w.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	if err := pem.Encode(w, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.caKey)}); err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})
}

func (ca *SelfSignCA) save() error {
	var buf strings.Builder
	if err := ca.saveTo(&buf); err != nil {
		return err
	}
	return writeFileAtomic(ca.caFile(), []byte(buf.String()), 0o600)
}

// GetRootCA returns the root certificate.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.caCert
}

// GetCert returns the leaf certificate for commonName, synthesizing it under
// a per-hostname single-flight guarantee on first need.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	host := strings.ToLower(commonName)

	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(host); ok {
		ca.cacheMu.Unlock()
		return val.(*tls.Certificate), nil
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(host, func() (any, error) {
		// re-check under the flight: a concurrent winner may have filled
		// the cache between the miss and the Do
		ca.cacheMu.Lock()
		if val, ok := ca.cache.Get(host); ok {
			ca.cacheMu.Unlock()
			return val, nil
		}
		ca.cacheMu.Unlock()

		certificate, err := ca.loadOrSign(host)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(host, certificate)
		ca.cacheMu.Unlock()
		return certificate, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*tls.Certificate), nil
}

func (ca *SelfSignCA) loadOrSign(host string) (*tls.Certificate, error) {
	if ca.storePath != "" {
		if c, err := ca.loadLeaf(host); err == nil {
			return c, nil
		}
	}

	c, err := newLeaf(ca.caCert, ca.caKey, ca.leafKey, host, ca.validity)
	if err != nil {
		return nil, err
	}
	if ca.storePath != "" {
		if err := ca.storeLeaf(host, c); err != nil {
			slog.Warn("failed to mirror leaf certificate", "host", host, "error", err)
		}
	}
	return c, nil
}

func (ca *SelfSignCA) leafFile(host string) string {
	return filepath.Join(ca.storePath, host+".pem")
}

func (ca *SelfSignCA) loadLeaf(host string) (*tls.Certificate, error) {
	data, err := os.ReadFile(ca.leafFile(host))
	if err != nil {
		return nil, err
	}
	c, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		return nil, err
	}
	if time.Now().After(leaf.NotAfter) {
		return nil, errors.New("cert: mirrored leaf expired")
	}
	c.Leaf = leaf
	return &c, nil
}

func (ca *SelfSignCA) storeLeaf(host string, c *tls.Certificate) error {
	var buf strings.Builder
	key, ok := c.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return errors.New("cert: leaf key is not RSA")
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return err
	}
	for _, der := range c.Certificate {
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return err
		}
	}
	return writeFileAtomic(ca.leafFile(host), []byte(buf.String()), 0o600)
}
