package session

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"math/big"
)

// IdentityKeyPair is a device's long-term Ed25519 identity key pair. It
// both signs signed pre-keys and, converted to X25519, takes part in X3DH.
type IdentityKeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateIdentityKeyPair draws a fresh Ed25519 identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// GenerateX25519KeyPair draws a fresh X25519 key pair for use as an
// ephemeral, signed pre-key, or one-time pre-key.
func GenerateX25519KeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// curve25519FieldPrime is 2^255 - 19, the prime underlying Curve25519's
// field arithmetic. The birational map below needs it to invert denominator
// mod p.
var curve25519FieldPrime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

// Ed25519PrivateKeyToX25519 derives the X25519 private scalar matching an
// Ed25519 seed: hash the seed with SHA-512 and clamp the low half per
// RFC 7748.
func Ed25519PrivateKeyToX25519(edPriv ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	digest := sha512.Sum512(edPriv.Seed())
	scalar := clampScalar(digest[:32])
	return ecdh.X25519().NewPrivateKey(scalar)
}

func clampScalar(b []byte) []byte {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
	return b
}

// Ed25519PublicKeyToX25519 maps an Edwards public key onto its Montgomery
// u-coordinate: u = (1+y)/(1-y) mod p, after undoing Ed25519's
// little-endian, sign-bit-in-MSB encoding of y.
func Ed25519PublicKeyToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyLength
	}

	y := decodeLittleEndianCoordinate(edPub)

	one := big.NewInt(1)
	num := new(big.Int).Mod(new(big.Int).Add(one, y), curve25519FieldPrime)
	den := new(big.Int).Mod(new(big.Int).Sub(one, y), curve25519FieldPrime)

	denInv := new(big.Int).ModInverse(den, curve25519FieldPrime)
	if denInv == nil {
		return nil, ErrInvalidKeyLength
	}

	u := new(big.Int).Mod(new(big.Int).Mul(num, denInv), curve25519FieldPrime)
	return encodeLittleEndianCoordinate(u), nil
}

// decodeLittleEndianCoordinate reads a 32-byte little-endian field element,
// masking off Ed25519's sign bit in the top byte.
func decodeLittleEndianCoordinate(b []byte) *big.Int {
	be := make([]byte, 32)
	for i := 0; i < 32; i++ {
		be[i] = b[31-i]
	}
	be[0] &= 0x7F
	return new(big.Int).SetBytes(be)
}

// encodeLittleEndianCoordinate writes n back out as a 32-byte
// little-endian field element, the wire format X25519 expects.
func encodeLittleEndianCoordinate(n *big.Int) []byte {
	be := n.Bytes()
	out := make([]byte, 32)
	for i, v := range be {
		out[len(be)-1-i] = v
	}
	return out
}

// x25519DH runs one X25519 Diffie-Hellman exchange.
func x25519DH(priv *ecdh.PrivateKey, rawPub []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(rawPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}
