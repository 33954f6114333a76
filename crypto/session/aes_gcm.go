package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

const (
	aesKeySize   = 32 // AES-256 message keys, as produced by chainKDF
	aesNonceSize = 12 // standard GCM nonce size; decryptWithNonce splits on it
)

// newAEAD builds the AES-256-GCM construction used for every ratchet
// message key. Centralizing it keeps the nonce/overhead sizes in sync with
// whatever the stdlib's GCM implementation actually reports.
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != aesKeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aesGCMEncrypt seals plaintext under key with a freshly drawn nonce.
func aesGCMEncrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// aesGCMDecrypt opens a ciphertext produced by aesGCMEncrypt. A key of the
// wrong length is reported as ErrInvalidKeyLength; any other failure, whether
// a malformed nonce or a tampered ciphertext, collapses to ErrInvalidMessage
// so callers can't distinguish tamper from truncation.
func aesGCMDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidMessage
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	return plaintext, nil
}
