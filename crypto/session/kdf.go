package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfSHA256 derives length bytes using HKDF-SHA-256 over ikm, salted and
// bound to info.
func hkdfSHA256(salt, ikm, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// hmacTag computes HMAC-SHA256(key, []byte{tag}), the one-byte-input MAC
// chainKDF uses to pull two independent outputs out of a single chain key.
func hmacTag(key []byte, tag byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte{tag})
	return mac.Sum(nil)
}

// chainKDF advances a Double Ratchet symmetric-key chain by one step,
// returning the message key for this step and the chain key for the next.
func chainKDF(chainKey []byte) (messageKey, nextChainKey []byte) {
	return hmacTag(chainKey, 0x01), hmacTag(chainKey, 0x02)
}

// rootKDF mixes a fresh DH output into the root key, yielding a new root
// key and the chain key that seeds the next sending or receiving chain.
func rootKDF(rootKey, dhOutput []byte) (newRootKey, newChainKey []byte, err error) {
	derived, err := hkdfSHA256(rootKey, dhOutput, []byte("sigsend root chain"), 64)
	if err != nil {
		return nil, nil, err
	}
	return derived[:32], derived[32:], nil
}
