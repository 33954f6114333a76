package session

import "crypto/ed25519"

// PreKeyRecord holds a one-time pre-key pair generated locally.
type PreKeyRecord struct {
	ID         uint32
	PrivateKey []byte // 32 bytes, X25519
	PublicKey  []byte // 32 bytes, X25519
}

// SignedPreKeyRecord holds a signed pre-key pair with its signature.
type SignedPreKeyRecord struct {
	ID         uint32
	PrivateKey []byte // 32 bytes, X25519
	PublicKey  []byte // 32 bytes, X25519
	Signature  []byte // Ed25519 signature over PublicKey
}

// Store is the cryptographic persistence interface consumed by Builder and
// Cipher: identity keys, pre-key material, and serialized ratchet sessions.
// It backs (but is distinct from) the wider SessionStore the dispatch
// package relies on.
type Store interface {
	GetIdentityKeyPair() (*IdentityKeyPair, error)
	SaveIdentityKeyPair(ikp *IdentityKeyPair) error

	GetLocalDeviceID() (uint32, error)

	// GetRemoteIdentity returns the previously trusted identity key for
	// addr, or nil if none is known yet.
	GetRemoteIdentity(addr Address) (ed25519.PublicKey, error)
	SaveRemoteIdentity(addr Address, key ed25519.PublicKey) error

	// IsTrusted reports whether key is an acceptable identity key for addr:
	// true on first use (no stored key yet) or when it matches the stored
	// key; false when it diverges from a previously accepted key.
	IsTrusted(addr Address, key ed25519.PublicKey) (bool, error)

	GetPreKey(id uint32) (*PreKeyRecord, error)
	SavePreKey(record *PreKeyRecord) error
	RemovePreKey(id uint32) error

	GetSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
	SaveSignedPreKey(record *SignedPreKeyRecord) error

	GetSession(addr Address) ([]byte, error)
	SaveSession(addr Address, data []byte) error
	RemoveSession(addr Address) error
	HasOpenSession(addr Address) (bool, error)
}
