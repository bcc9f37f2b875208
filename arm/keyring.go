package arm

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opd-ai/meshlink/crypto"
)

// DefaultKeyringSize bounds the number of cached sessions.
const DefaultKeyringSize = 1024

// Keyring caches sessions per remote peer. It is safe for concurrent use.
type Keyring struct {
	local    *crypto.Identity
	sessions *lru.Cache[crypto.PeerID, *Session]
}

// NewKeyring creates a keyring for local holding at most size sessions.
func NewKeyring(local *crypto.Identity, size int) (*Keyring, error) {
	if size <= 0 {
		size = DefaultKeyringSize
	}
	cache, err := lru.New[crypto.PeerID, *Session](size)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Keyring{local: local, sessions: cache}, nil
}

// Session returns the cached session with remote, deriving it on first use.
func (k *Keyring) Session(remote crypto.PeerID) (*Session, error) {
	if s, ok := k.sessions.Get(remote); ok {
		return s, nil
	}

	s, err := NewSession(k.local, remote)
	if err != nil {
		crypto.NewPackageLogger("arm", "Keyring.Session").
			WithCaller().
			WithField("remote", remote.Short()).
			WithError(err, "key_agreement", "derive_session").
			Debug("Failed to derive arm session")
		return nil, err
	}
	k.sessions.Add(remote, s)
	return s, nil
}

// Len returns the number of cached sessions.
func (k *Keyring) Len() int {
	return k.sessions.Len()
}

// Local returns the identity the keyring arms for.
func (k *Keyring) Local() crypto.PeerID {
	return k.local.ID
}
