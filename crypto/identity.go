package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PeerIDSize is the length of a PeerID in bytes.
const PeerIDSize = ed25519.PublicKeySize

// PeerID is the public address of a node: its Ed25519 public key.
type PeerID [PeerIDSize]byte

// ErrInvalidPeerID is returned when a PeerID cannot be parsed.
var ErrInvalidPeerID = errors.New("invalid peer id")

// ParsePeerID decodes a hex encoded PeerID.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerID, PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex encoding of the PeerID.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log output.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the PeerID is unset.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less orders PeerIDs bytewise. Used to build unordered pair keys.
func (id PeerID) Less(other PeerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Identity is the long-lived key material of a node.
type Identity struct {
	ID          PeerID
	ProofOfWork ProofOfWork
	seed        [32]byte
}

// GenerateIdentity creates a fresh identity and computes a proof of work for
// the given difficulty.
func GenerateIdentity(difficulty uint8) (*Identity, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		NewLogger("GenerateIdentity").WithError(err, "rand", "read_seed").Error("Failed to read random seed")
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return IdentityFromSeed(seed, difficulty), nil
}

// IdentityFromSeed derives an identity from a 32-byte Ed25519 seed.
func IdentityFromSeed(seed [32]byte, difficulty uint8) *Identity {
	priv := ed25519.NewKeyFromSeed(seed[:])

	id := &Identity{seed: seed}
	copy(id.ID[:], priv.Public().(ed25519.PublicKey))
	id.ProofOfWork = ComputeProofOfWork(id.ID, difficulty)

	NewLogger("IdentityFromSeed").WithFields(logrus.Fields{
		"peer":       id.ID.Short(),
		"difficulty": difficulty,
	}).Debug("Identity derived")

	return id
}

// Seed returns the Ed25519 seed. Callers must not log it.
func (i *Identity) Seed() [32]byte {
	return i.seed
}

// Sign signs message with the identity key.
func (i *Identity) Sign(message []byte) (Signature, error) {
	return Sign(message, i.seed)
}

// AgreementKey returns the X25519 private scalar that corresponds to the
// Ed25519 key, as defined by RFC 8032 key expansion. X25519 clamps it.
func (i *Identity) AgreementKey() [32]byte {
	h := sha512.Sum512(i.seed[:])
	defer ZeroBytes(h[:])
	var k [32]byte
	copy(k[:], h[:32])
	return k
}
