package cert

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdko-org/usage-proxy/internal/testutil"
)

func newStore() *Store {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewStore(logger)
}

func TestLoadValidPair(t *testing.T) {
	certPath, keyPath := testutil.WriteSelfSignedCert(t, t.TempDir(), "example.com")

	c, err := newStore().Load(certPath, keyPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Fingerprint, "sha256:"))
	assert.NotNil(t, c.Leaf)
	assert.Equal(t, certPath, c.Path)
}

func TestFingerprintStableAcrossStores(t *testing.T) {
	certPath, keyPath := testutil.WriteSelfSignedCert(t, t.TempDir(), "example.com")

	first, err := newStore().Load(certPath, keyPath)
	require.NoError(t, err)

	// A fresh store stands in for a process restart.
	second, err := newStore().Load(certPath, keyPath)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	certA, keyA := testutil.WriteSelfSignedCert(t, dirA, "example.com")
	certB, keyB := testutil.WriteSelfSignedCert(t, dirB, "example.com")

	store := newStore()
	a, err := store.Load(certA, keyA)
	require.NoError(t, err)
	b, err := store.Load(certB, keyB)
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestLoadCaches(t *testing.T) {
	certPath, keyPath := testutil.WriteSelfSignedCert(t, t.TempDir(), "example.com")

	store := newStore()
	first, err := store.Load(certPath, keyPath)
	require.NoError(t, err)

	// Deleting the file does not matter once cached.
	require.NoError(t, os.Remove(certPath))
	second, err := store.Load(certPath, keyPath)
	require.NoError(t, err)
	assert.Same(t, first, second)

	store.Evict(certPath, keyPath)
	_, err = store.Load(certPath, keyPath)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := newStore().Load(filepath.Join(dir, "nope.pem"), filepath.Join(dir, "nope.key"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadKeyMismatch(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	certA, _ := testutil.WriteSelfSignedCert(t, dirA, "example.com")
	_, keyB := testutil.WriteSelfSignedCert(t, dirB, "example.com")

	_, err := newStore().Load(certA, keyB)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadGarbagePEM(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))

	_, err := newStore().Load(certPath, keyPath)
	assert.ErrorIs(t, err, ErrInvalid)
}
