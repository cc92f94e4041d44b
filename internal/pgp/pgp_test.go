package pgp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerate_CreatesAndReloads(t *testing.T) {
	dir := t.TempDir()

	s1, err := LoadOrGenerate(dir, "relay")
	require.NoError(t, err)
	require.NotEmpty(t, s1.PublicKey())

	for _, name := range []string{"relay_secret.asc", "relay_public.asc"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	// a second load must reuse the persisted key, not mint a new one
	s2, err := LoadOrGenerate(dir, "relay")
	require.NoError(t, err)

	fp1, err := Fingerprint(s1.PublicKey())
	require.NoError(t, err)
	fp2, err := Fingerprint(s2.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestSignAndVerify_Roundtrip(t *testing.T) {
	s, err := LoadOrGenerate(t.TempDir(), "relay")
	require.NoError(t, err)

	sig, err := s.Sign("hello world")
	require.NoError(t, err)
	require.Contains(t, sig, "BEGIN PGP SIGNATURE")

	assert.True(t, Verify(s.PublicKey(), "hello world", sig))
	assert.False(t, Verify(s.PublicKey(), "hello wordl", sig), "payload tampering must fail")
}

func TestVerify_WrongKey(t *testing.T) {
	dir := t.TempDir()
	s1, err := LoadOrGenerate(dir, "one")
	require.NoError(t, err)
	s2, err := LoadOrGenerate(dir, "two")
	require.NoError(t, err)

	sig, err := s1.Sign("payload")
	require.NoError(t, err)

	assert.False(t, Verify(s2.PublicKey(), "payload", sig))
}

func TestVerify_NeverErrorsOnGarbage(t *testing.T) {
	s, err := LoadOrGenerate(t.TempDir(), "relay")
	require.NoError(t, err)
	sig, err := s.Sign("x")
	require.NoError(t, err)

	assert.False(t, Verify("not a key", "x", sig))
	assert.False(t, Verify(s.PublicKey(), "x", "not a signature"))
	assert.False(t, Verify("", "", ""))
}

func TestFingerprint_TolerantOfWhitespace(t *testing.T) {
	s, err := LoadOrGenerate(t.TempDir(), "relay")
	require.NoError(t, err)

	fp1, err := Fingerprint(s.PublicKey())
	require.NoError(t, err)

	fp2, err := Fingerprint("\n" + s.PublicKey() + "\n\n")
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)

	_, err = Fingerprint("garbage")
	assert.Error(t, err)
}
