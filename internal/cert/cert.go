package cert

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound means the certificate or key file does not exist.
	ErrNotFound = errors.New("certificate file not found")
	// ErrUnreadable means the file exists but could not be read.
	ErrUnreadable = errors.New("certificate file unreadable")
	// ErrInvalid means the PEM material is malformed or the key does not
	// match the certificate.
	ErrInvalid = errors.New("invalid certificate")
)

// Certificate is a loaded certificate/key pair with its content fingerprint.
type Certificate struct {
	Path        string
	KeyPath     string
	Fingerprint string
	TLS         tls.Certificate
	Leaf        *x509.Certificate
}

// Store loads and caches certificate pairs. A pair is loaded once per
// (path, keyPath) and reused for the lifetime of the referencing service.
type Store struct {
	mu    sync.Mutex
	cache map[string]*Certificate
	log   *logrus.Entry
}

func NewStore(logger *logrus.Logger) *Store {
	return &Store{
		cache: make(map[string]*Certificate),
		log:   logger.WithField("component", "cert_store"),
	}
}

// Load reads and validates a certificate/key pair. Results are cached; the
// fingerprint is stable for identical file bytes across restarts.
func (s *Store) Load(path, keyPath string) (*Certificate, error) {
	cacheKey := path + "\x00" + keyPath

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[cacheKey]; ok {
		return c, nil
	}

	c, err := load(path, keyPath)
	if err != nil {
		return nil, err
	}

	s.cache[cacheKey] = c
	s.log.WithFields(logrus.Fields{
		"path":        path,
		"fingerprint": c.Fingerprint,
	}).Info("Certificate loaded")
	return c, nil
}

// Evict drops a cached pair so a subsequent Load re-reads the files.
func (s *Store) Evict(path, keyPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, path+"\x00"+keyPath)
}

func load(path, keyPath string) (*Certificate, error) {
	certPEM, err := readFile(path)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readFile(keyPath)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	pair.Leaf = leaf

	return &Certificate{
		Path:        path,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(leaf.Raw),
		TLS:         pair,
		Leaf:        leaf,
	}, nil
}

// Fingerprint returns the content hash of a DER-encoded certificate. Hashing
// the DER keeps the digest stable under PEM re-wrapping, so remote clients
// can pin a self-signed certificate out-of-band.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return fmt.Sprintf("sha256:%x", sum)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	return data, nil
}
