// Package pgp wraps OpenPGP key management for the relay: loading or
// generating the relay's own signing keypair, producing armored detached
// signatures over reply content, and verifying client signatures against
// armored public keys.
package pgp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Signer holds the relay's long-lived signing key.
type Signer struct {
	entity      *openpgp.Entity
	publicArmor string
	secretPath  string
	publicPath  string
}

// LoadOrGenerate reads the armored keypair named after clientID from keysDir,
// generating and persisting a fresh one if none exists yet.
func LoadOrGenerate(keysDir, clientID string) (*Signer, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keys dir: %w", err)
	}

	s := &Signer{
		secretPath: filepath.Join(keysDir, clientID+"_secret.asc"),
		publicPath: filepath.Join(keysDir, clientID+"_public.asc"),
	}

	raw, err := os.ReadFile(s.secretPath)
	switch {
	case err == nil:
		ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing stored secret key: %w", err)
		}
		if len(ring) == 0 || ring[0].PrivateKey == nil {
			return nil, errors.New("stored key ring holds no private key")
		}
		s.entity = ring[0]
	case os.IsNotExist(err):
		if err := s.generate(clientID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("reading secret key: %w", err)
	}

	pub, err := armorEntity(s.entity, openpgp.PublicKeyType, false)
	if err != nil {
		return nil, err
	}
	s.publicArmor = pub
	return s, nil
}

func (s *Signer) generate(clientID string) error {
	entity, err := openpgp.NewEntity(clientID, "", "", nil)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	s.entity = entity

	secret, err := armorEntity(entity, openpgp.PrivateKeyType, true)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.secretPath, []byte(secret), 0o600); err != nil {
		return fmt.Errorf("writing secret key: %w", err)
	}

	public, err := armorEntity(entity, openpgp.PublicKeyType, false)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.publicPath, []byte(public), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Sign produces an armored detached signature over payload.
func (s *Signer) Sign(payload string) (string, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.entity, strings.NewReader(payload), nil); err != nil {
		return "", fmt.Errorf("detach sign: %w", err)
	}
	return buf.String(), nil
}

// Verify delegates to the package-level Verify.
func (s *Signer) Verify(publicKey, payload, signature string) bool {
	return Verify(publicKey, payload, signature)
}

// Fingerprint delegates to the package-level Fingerprint.
func (s *Signer) Fingerprint(publicKey string) (string, error) {
	return Fingerprint(publicKey)
}

// PublicKey returns the relay's armored public key.
func (s *Signer) PublicKey() string { return s.publicArmor }

// Verify checks an armored detached signature over payload against an
// armored public key. It never panics or returns an error: malformed armor,
// missing signature packets, or a non-matching key are all simply "not
// verified".
func Verify(publicKey, payload, signature string) bool {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKey))
	if err != nil || len(ring) == 0 {
		return false
	}
	_, err = openpgp.CheckArmoredDetachedSignature(
		ring, strings.NewReader(payload), strings.NewReader(signature), nil)
	return err == nil
}

// Fingerprint returns the hex fingerprint of the primary key in an armored
// public key block. Comparing fingerprints rather than armor bytes tolerates
// whitespace and re-armoring differences between clients.
func Fingerprint(publicKey string) (string, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKey))
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}
	if len(ring) == 0 {
		return "", errors.New("no key in armored block")
	}
	return hex.EncodeToString(ring[0].PrimaryKey.Fingerprint[:]), nil
}

func armorEntity(entity *openpgp.Entity, blockType string, private bool) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return "", fmt.Errorf("armor encode: %w", err)
	}
	if private {
		err = entity.SerializePrivate(w, nil)
	} else {
		err = entity.Serialize(w)
	}
	if err != nil {
		return "", fmt.Errorf("serializing key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	buf.WriteString("\n")
	return buf.String(), nil
}
