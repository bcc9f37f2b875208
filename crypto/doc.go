// Package crypto implements the identity primitives of the meshlink overlay.
//
// Every node is addressed by a [PeerID], the 32-byte Ed25519 public key of its
// [Identity]. PeerIDs are comparable and are used as map keys throughout the
// discovery agents and the path table.
//
// # Identities
//
//	id, err := crypto.GenerateIdentity(crypto.DefaultPowDifficulty)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("my address:", id.ID)
//
// # Proof of Work
//
// A node proves that it spent some effort creating its identity. The proof is
// a 32-bit nonce whose BLAKE2b-256 digest, taken together with the PeerID,
// starts with a configurable number of zero bits:
//
//	if !pow.IsValid(sender, difficulty) {
//	    // drop the message
//	}
//
// # Signatures
//
// Join requests sent to super peers are signed with the Ed25519 key of the
// sender. [Verify] checks a signature against a PeerID.
//
// # Logging
//
// [LoggerHelper] wraps logrus with the standard "function" and "package"
// fields used across the module.
package crypto
