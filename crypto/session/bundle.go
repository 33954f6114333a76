package session

import "crypto/ed25519"

// PreKeyBundle is the key material published by one remote device, fetched
// from the transport layer and consumed once by the session builder.
type PreKeyBundle struct {
	DeviceID              uint32
	IdentityKey           ed25519.PublicKey
	RegistrationID        uint32
	SignedPreKeyID        uint32
	SignedPreKey          []byte // 32 bytes, X25519 public key
	SignedPreKeySignature []byte // Ed25519 signature over SignedPreKey
	PreKeyID              *uint32
	PreKey                []byte // 32 bytes, X25519 public key; nil if none offered
}

// LocalBundle is this device's own published key material: an identity key,
// one signed pre-key, and a batch of one-time pre-keys.
type LocalBundle struct {
	IdentityKey           ed25519.PublicKey
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeys               []LocalBundlePreKey
}

// LocalBundlePreKey is one one-time pre-key offered in a LocalBundle.
type LocalBundlePreKey struct {
	ID        uint32
	PublicKey []byte
}

// GenerateLocalBundle creates (or reuses) this device's identity key pair,
// generates a fresh signed pre-key and a batch of one-time pre-keys, and
// persists all of it via store.
func GenerateLocalBundle(store Store, preKeyCount int) (*LocalBundle, error) {
	ikp, err := store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if ikp == nil {
		ikp, err = GenerateIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		if err := store.SaveIdentityKeyPair(ikp); err != nil {
			return nil, err
		}
	}

	spk, err := generateSignedPreKey(ikp, 1)
	if err != nil {
		return nil, err
	}
	if err := store.SaveSignedPreKey(spk); err != nil {
		return nil, err
	}

	preKeys := make([]LocalBundlePreKey, 0, preKeyCount)
	for i := range preKeyCount {
		pk, err := generatePreKey(uint32(i + 1))
		if err != nil {
			return nil, err
		}
		if err := store.SavePreKey(pk); err != nil {
			return nil, err
		}
		preKeys = append(preKeys, LocalBundlePreKey{ID: pk.ID, PublicKey: pk.PublicKey})
	}

	return &LocalBundle{
		IdentityKey:           ikp.PublicKey,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.PublicKey,
		SignedPreKeySignature: spk.Signature,
		PreKeys:               preKeys,
	}, nil
}

func generateSignedPreKey(ikp *IdentityKeyPair, id uint32) (*SignedPreKeyRecord, error) {
	key, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	pubBytes := key.PublicKey().Bytes()
	sig := ed25519.Sign(ikp.PrivateKey, pubBytes)

	return &SignedPreKeyRecord{
		ID:         id,
		PrivateKey: key.Bytes(),
		PublicKey:  pubBytes,
		Signature:  sig,
	}, nil
}

func generatePreKey(id uint32) (*PreKeyRecord, error) {
	key, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, PrivateKey: key.Bytes(), PublicKey: key.PublicKey().Bytes()}, nil
}
