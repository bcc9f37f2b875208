// Package arm encrypts application payloads end to end between two nodes.
//
// Both ends derive the same key without a handshake: an X25519 agreement
// between the local identity and the remote Ed25519 public key, converted to
// its Montgomery form, expanded with HKDF-SHA256 and used with
// XChaCha20-Poly1305. The 24-byte message nonce travels in the public
// header, which is why it must be unique per message.
package arm

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/meshlink/crypto"
)

// ErrDisarm is returned when a payload fails authentication.
var ErrDisarm = errors.New("cannot disarm payload")

// NonceSize is the nonce length expected by Arm and Disarm.
const NonceSize = chacha20poly1305.NonceSizeX

const keyInfo = "meshlink arm v1"

// Session holds the symmetric key shared with one remote peer.
type Session struct {
	local  crypto.PeerID
	remote crypto.PeerID
	aead   cipher.AEAD
}

// NewSession derives the session key between local and remote.
func NewSession(local *crypto.Identity, remote crypto.PeerID) (*Session, error) {
	remoteX, err := montgomeryPublicKey(remote)
	if err != nil {
		return nil, err
	}
	priv := local.AgreementKey()
	defer crypto.ZeroBytes(priv[:])

	shared, err := noise.DH25519.DH(priv[:], remoteX)
	if err != nil {
		return nil, fmt.Errorf("key agreement with %s: %w", remote.Short(), err)
	}
	defer crypto.ZeroBytes(shared)

	key := make([]byte, chacha20poly1305.KeySize)
	defer crypto.ZeroBytes(key)
	kdf := hkdf.New(noise.HashSHA256.Hash, shared, nil, sessionInfo(local.ID, remote))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	// NewX copies the key.
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	crypto.NewPackageLogger("arm", "NewSession").
		WithFields(crypto.SecureFieldHash(remote[:], "remote")).
		Debug("Arm session derived")

	return &Session{local: local.ID, remote: remote, aead: aead}, nil
}

// Remote returns the peer this session talks to.
func (s *Session) Remote() crypto.PeerID {
	return s.remote
}

// Arm encrypts plaintext. The additional data binds the ciphertext to
// sender and recipient.
func (s *Session) Arm(nonce [NonceSize]byte, plaintext []byte) []byte {
	return s.aead.Seal(nil, nonce[:], plaintext, associatedData(s.local, s.remote))
}

// Disarm authenticates and decrypts a payload armed by the remote peer.
func (s *Session) Disarm(nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, associatedData(s.remote, s.local))
	if err != nil {
		return nil, fmt.Errorf("%w from %s: %v", ErrDisarm, s.remote.Short(), err)
	}
	return plaintext, nil
}

// Overhead returns the ciphertext expansion.
func (s *Session) Overhead() int {
	return s.aead.Overhead()
}

func montgomeryPublicKey(id crypto.PeerID) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(id[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a curve point", crypto.ErrInvalidPeerID, id.Short())
	}
	return point.BytesMontgomery(), nil
}

// sessionInfo orders the two identities so both ends derive the same key.
func sessionInfo(a, b crypto.PeerID) []byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	info := make([]byte, 0, len(keyInfo)+2*crypto.PeerIDSize)
	info = append(info, keyInfo...)
	info = append(info, a[:]...)
	return append(info, b[:]...)
}

func associatedData(sender, recipient crypto.PeerID) []byte {
	ad := make([]byte, 0, 2*crypto.PeerIDSize)
	ad = append(ad, sender[:]...)
	return append(ad, recipient[:]...)
}
