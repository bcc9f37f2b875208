package crypto

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// DefaultPowDifficulty is the number of leading zero bits required by default.
const DefaultPowDifficulty uint8 = 6

// ProofOfWork is a nonce proving that effort went into creating a PeerID.
type ProofOfWork int32

// ComputeProofOfWork searches the smallest nonce satisfying difficulty.
func ComputeProofOfWork(id PeerID, difficulty uint8) ProofOfWork {
	var nonce ProofOfWork
	for !nonce.IsValid(id, difficulty) {
		nonce++
	}
	if difficulty > 0 {
		NewLogger("ComputeProofOfWork").
			WithField("peer", id.Short()).
			WithField("difficulty", difficulty).
			WithField("nonce", int32(nonce)).
			Trace("Proof of work found")
	}
	return nonce
}

// IsValid reports whether the proof meets difficulty for id.
func (p ProofOfWork) IsValid(id PeerID, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	return leadingZeroBits(p.digest(id)) >= int(difficulty)
}

func (p ProofOfWork) digest(id PeerID) [32]byte {
	var buf [PeerIDSize + 4]byte
	copy(buf[:], id[:])
	binary.BigEndian.PutUint32(buf[PeerIDSize:], uint32(p))
	return blake2b.Sum256(buf[:])
}

func leadingZeroBits(digest [32]byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}
