// Package crypto implements the Crypto collaborator (spec §6): device key
// pair lifecycle, PEM-encoded public key, and request-body signing.
//
// Key-generation mathematics are explicitly out of core scope (spec §1); the
// default implementation uses the stdlib ed25519 primitive, since no
// third-party library in the retrieval pack specializes a device-identity
// keypair flow (see DESIGN.md).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/keystore"
)

// Crypto is the seam the core consumes for key lifecycle and signing.
type Crypto interface {
	InitKeys(recommission bool) error
	PublicKeyPEM() (string, error)
	Sign(payload []byte) (signatureBase64 string, err error)
}

const keyRecordKey = "auth-keys"

type keyRecord struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// Ed25519Crypto is the default Crypto implementation, persisting its key
// pair through a Storage collaborator.
type Ed25519Crypto struct {
	store   keystore.Storage
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// New builds the default Crypto collaborator backed by store.
func New(store keystore.Storage) *Ed25519Crypto {
	return &Ed25519Crypto{store: store}
}

// InitKeys implements spec §4.1's init-work steps 1-2: on recommission it
// deletes any stored key pair; if none exists, it generates and persists a
// new one. This is a one-time cost amortized across device lifetime.
func (c *Ed25519Crypto) InitKeys(recommission bool) error {
	if recommission {
		if err := c.store.Delete(keyRecordKey); err != nil && !keystore.IsNotFound(err) {
			return errors.Wrap(err, "crypto: delete key pair for recommission")
		}
	}

	var rec keyRecord
	err := c.store.GetJSON(keyRecordKey, &rec)
	switch {
	case err == nil:
		c.public = ed25519.PublicKey(rec.Public)
		c.private = ed25519.PrivateKey(rec.Private)
		return nil
	case keystore.IsNotFound(err):
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return errors.Wrap(genErr, "crypto: generate key pair")
		}
		c.public, c.private = pub, priv
		rec = keyRecord{Public: pub, Private: priv}
		if setErr := c.store.SetJSON(keyRecordKey, rec); setErr != nil {
			return errors.Wrap(setErr, "crypto: persist key pair")
		}
		return nil
	default:
		return errors.Wrap(err, "crypto: load key pair")
	}
}

// PublicKeyPEM returns the device public key in canonical PEM text, stable
// across calls as long as no recommission occurs (spec §8's idempotence
// invariant: two successive authenticate calls with an already-valid key
// pair produce the same public-key PEM).
func (c *Ed25519Crypto) PublicKeyPEM() (string, error) {
	if c.public == nil {
		return "", errors.New("crypto: keys not initialized")
	}
	der, err := x509.MarshalPKIXPublicKey(c.public)
	if err != nil {
		return "", errors.Wrap(err, "crypto: encode public key")
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// Sign signs SHA-256(payload) and returns the base64-encoded signature, for
// the X-MEN-Signature header (spec §6).
func (c *Ed25519Crypto) Sign(payload []byte) (string, error) {
	if c.private == nil {
		return "", errors.New("crypto: keys not initialized")
	}
	digest := sha256.Sum256(payload)
	sig := ed25519.Sign(c.private, digest[:])
	return base64.StdEncoding.EncodeToString(sig), nil
}
