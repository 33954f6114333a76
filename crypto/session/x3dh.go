package session

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
)

// x3dhInfo is the HKDF info string binding the derived secret to this
// protocol; x3dhPad is 32 0xFF bytes prepended to the DH outputs so the
// derivation can never collide with a Curve25519 point encoding.
var (
	x3dhSalt = make([]byte, 32)
	x3dhPad  = bytes.Repeat([]byte{0xFF}, 32)
	x3dhInfo = []byte("sigsend X3DH")
)

// X3DHResult is what the initiator learns from running X3DH: the agreed
// secret, the ephemeral key the responder needs to reproduce it, and which
// one-time pre-key (if any) was consumed.
type X3DHResult struct {
	SharedSecret    []byte
	EphemeralPubKey []byte
	UsedPreKeyID    *uint32
}

// X3DHInitiate runs X3DH as the initiator (Alice) against a freshly fetched
// remote PreKeyBundle, verifying the bundle's signed pre-key signature
// before doing any key agreement.
func X3DHInitiate(localIdentity *IdentityKeyPair, remoteBundle *PreKeyBundle) (*X3DHResult, error) {
	if !ed25519.Verify(remoteBundle.IdentityKey, remoteBundle.SignedPreKey, remoteBundle.SignedPreKeySignature) {
		return nil, ErrInvalidSignature
	}

	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	localX25519, err := Ed25519PrivateKeyToX25519(localIdentity.PrivateKey)
	if err != nil {
		return nil, err
	}
	remoteX25519Pub, err := Ed25519PublicKeyToX25519(remoteBundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	dhs := make([][]byte, 0, 4)
	dh, err := x25519DH(localX25519, remoteBundle.SignedPreKey) // IK_local <-> SPK_remote
	if err != nil {
		return nil, err
	}
	dhs = append(dhs, dh)

	dh, err = x25519DH(ephemeral, remoteX25519Pub) // EK_local <-> IK_remote
	if err != nil {
		return nil, err
	}
	dhs = append(dhs, dh)

	dh, err = x25519DH(ephemeral, remoteBundle.SignedPreKey) // EK_local <-> SPK_remote
	if err != nil {
		return nil, err
	}
	dhs = append(dhs, dh)

	var usedPreKeyID *uint32
	if remoteBundle.PreKey != nil {
		dh, err = x25519DH(ephemeral, remoteBundle.PreKey) // EK_local <-> OPK_remote
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh)
		id := *remoteBundle.PreKeyID
		usedPreKeyID = &id
	}

	sk, err := deriveX3DHSecret(dhs)
	if err != nil {
		return nil, err
	}

	return &X3DHResult{
		SharedSecret:    sk,
		EphemeralPubKey: ephemeral.PublicKey().Bytes(),
		UsedPreKeyID:    usedPreKeyID,
	}, nil
}

// X3DHRespond runs X3DH as the responder (Bob), reproducing the same
// secret X3DHInitiate derived from the initiator's ephemeral key.
func X3DHRespond(
	localIdentity *IdentityKeyPair,
	localSignedPreKey *ecdh.PrivateKey,
	localOneTimePreKey *ecdh.PrivateKey,
	remoteIdentityKey ed25519.PublicKey,
	remoteEphemeralPubKey []byte,
) ([]byte, error) {
	remoteX25519Pub, err := Ed25519PublicKeyToX25519(remoteIdentityKey)
	if err != nil {
		return nil, err
	}
	localX25519, err := Ed25519PrivateKeyToX25519(localIdentity.PrivateKey)
	if err != nil {
		return nil, err
	}

	dhs := make([][]byte, 0, 4)
	dh, err := x25519DH(localSignedPreKey, remoteX25519Pub)
	if err != nil {
		return nil, err
	}
	dhs = append(dhs, dh)

	dh, err = x25519DH(localX25519, remoteEphemeralPubKey)
	if err != nil {
		return nil, err
	}
	dhs = append(dhs, dh)

	dh, err = x25519DH(localSignedPreKey, remoteEphemeralPubKey)
	if err != nil {
		return nil, err
	}
	dhs = append(dhs, dh)

	if localOneTimePreKey != nil {
		dh, err = x25519DH(localOneTimePreKey, remoteEphemeralPubKey)
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh)
	}

	return deriveX3DHSecret(dhs)
}

// deriveX3DHSecret concatenates the padding prefix and every DH output in
// order, then runs the result through HKDF-SHA-256. Both sides must supply
// their DH outputs in the same order (IK-SPK, EK-IK, EK-SPK, EK-OPK) or the
// derived secrets will not match.
func deriveX3DHSecret(dhOutputs [][]byte) ([]byte, error) {
	ikm := make([]byte, 0, len(x3dhPad)+32*len(dhOutputs))
	ikm = append(ikm, x3dhPad...)
	for _, dh := range dhOutputs {
		ikm = append(ikm, dh...)
	}
	return hkdfSHA256(x3dhSalt, ikm, x3dhInfo, 32)
}
