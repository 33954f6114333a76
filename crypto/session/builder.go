package session

import (
	"crypto/ecdh"
	"fmt"
)

// Builder runs the session-establishment half of the protocol: given a
// freshly fetched remote pre-key bundle, it either builds (or rebuilds) a
// session, or reports that the bundle's identity key has changed and is not
// yet trusted.
type Builder struct {
	store Store
}

// NewBuilder returns a Builder backed by store.
func NewBuilder(store Store) *Builder {
	return &Builder{store: store}
}

// ProcessPreKeyBundle builds a session for addr from bundle as the
// initiator. If bundle.IdentityKey is not trusted for addr (first use
// always trusts; a later divergence does not), it returns an
// *IdentityKeyError without mutating any stored state. Callers must call
// AcceptIdentity before retrying if the new key should be trusted.
func (b *Builder) ProcessPreKeyBundle(addr Address, bundle *PreKeyBundle) error {
	trusted, err := b.store.IsTrusted(addr, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return &IdentityKeyError{Addr: addr.Addr, DeviceID: addr.DeviceID, IdentityKey: bundle.IdentityKey}
	}

	localIKP, err := b.store.GetIdentityKeyPair()
	if err != nil {
		return err
	}
	if localIKP == nil {
		return ErrNoIdentityKeyPair
	}

	sess, err := initSessionAsAlice(localIKP, bundle)
	if err != nil {
		return err
	}

	if err := b.store.SaveRemoteIdentity(addr, bundle.IdentityKey); err != nil {
		return err
	}

	data, err := sess.MarshalBinary()
	if err != nil {
		return err
	}
	return b.store.SaveSession(addr, data)
}

// AcceptIdentity records key as the trusted identity for addr, resolving a
// prior IdentityKeyError so the next ProcessPreKeyBundle call for the same
// bundle succeeds.
func (b *Builder) AcceptIdentity(addr Address, key []byte) error {
	return b.store.SaveRemoteIdentity(addr, key)
}

// ProcessPreKeyMessage builds a session as the responder (Bob) from an
// incoming pre-key message's handshake fields. Used only when this device
// itself receives the first message of a new session; the dispatch core
// does not call this (it is outgoing-only), but the session engine exposes
// it for symmetry and for tests that round-trip a full conversation.
func (b *Builder) ProcessPreKeyMessage(
	addr Address,
	senderIdentityKey []byte,
	ephemeralPubKey []byte,
	usedPreKeyID *uint32,
	signedPreKeyID uint32,
) error {
	localIKP, err := b.store.GetIdentityKeyPair()
	if err != nil {
		return err
	}
	if localIKP == nil {
		return ErrNoIdentityKeyPair
	}

	spkRecord, err := b.store.GetSignedPreKey(signedPreKeyID)
	if err != nil {
		return fmt.Errorf("getting signed pre-key %d: %w", signedPreKeyID, err)
	}
	spkPrivate, err := ecdh.X25519().NewPrivateKey(spkRecord.PrivateKey)
	if err != nil {
		return err
	}

	var opkPrivate *ecdh.PrivateKey
	if usedPreKeyID != nil {
		opkRecord, err := b.store.GetPreKey(*usedPreKeyID)
		if err != nil {
			return fmt.Errorf("getting pre-key %d: %w", *usedPreKeyID, err)
		}
		opkPrivate, err = ecdh.X25519().NewPrivateKey(opkRecord.PrivateKey)
		if err != nil {
			return err
		}
		_ = b.store.RemovePreKey(*usedPreKeyID)
	}

	sess, err := initSessionAsBob(localIKP, spkPrivate, opkPrivate, senderIdentityKey, ephemeralPubKey)
	if err != nil {
		return err
	}

	if err := b.store.SaveRemoteIdentity(addr, senderIdentityKey); err != nil {
		return err
	}

	data, err := sess.MarshalBinary()
	if err != nil {
		return err
	}
	return b.store.SaveSession(addr, data)
}
