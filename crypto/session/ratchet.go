package session

import (
	"bytes"
	"crypto/ecdh"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// maxSkippedKeys bounds how many out-of-order message keys a single ratchet
// will buffer before giving up on a gap, so a forged or wildly out-of-order
// header can't be used to exhaust memory.
const maxSkippedKeys = 1000

// skippedKeyID names one buffered message key by the ratchet public key it
// was derived under plus its message number within that chain. It is kept
// as a hex string rather than a fixed-size array so the map it indexes
// needs no custom hashing and serializes as plain text.
type skippedKeyID string

func newSkippedKeyID(dhPub []byte, n uint32) skippedKeyID {
	return skippedKeyID(hex.EncodeToString(dhPub) + ":" + fmt.Sprint(n))
}

// RatchetState is one side of a Double Ratchet: a sending chain, a
// receiving chain, and whatever message keys have been skipped waiting for
// a chain to catch up.
type RatchetState struct {
	DHs *ecdh.PrivateKey // this side's current ratchet key pair
	DHr []byte           // the other side's current ratchet public key, 32 bytes

	RK  []byte // root key
	CKs []byte // sending chain key, nil until this side has sent at least once
	CKr []byte // receiving chain key, nil until this side has received at least once

	Ns, Nr, PN uint32

	MKSkipped map[skippedKeyID][]byte
}

// InitRatchetAsAlice starts a ratchet as the session initiator: a fresh DH
// key pair is drawn and the sending chain is derived against the remote's
// signed pre-key before any message is sent.
func InitRatchetAsAlice(sharedSecret, remoteSignedPreKey []byte) (*RatchetState, error) {
	dhs, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	rk, cks, err := deriveChain(sharedSecret, dhs, remoteSignedPreKey)
	if err != nil {
		return nil, err
	}

	return &RatchetState{
		DHs:       dhs,
		DHr:       remoteSignedPreKey,
		RK:        rk,
		CKs:       cks,
		MKSkipped: make(map[skippedKeyID][]byte),
	}, nil
}

// InitRatchetAsBob starts a ratchet as the responder: the local signed
// pre-key doubles as the initial ratchet key pair, and the receiving chain
// stays unset until the first message arrives and triggers a DH step.
func InitRatchetAsBob(sharedSecret []byte, localSignedPreKey *ecdh.PrivateKey) *RatchetState {
	return &RatchetState{
		DHs:       localSignedPreKey,
		RK:        sharedSecret,
		MKSkipped: make(map[skippedKeyID][]byte),
	}
}

// deriveChain runs one DH exchange between priv and rawPub and feeds the
// output through rootKDF, the step both ratchet initialization and every
// subsequent DH ratchet step share.
func deriveChain(rootKey []byte, priv *ecdh.PrivateKey, rawPub []byte) (newRootKey, newChainKey []byte, err error) {
	dhOut, err := x25519DH(priv, rawPub)
	if err != nil {
		return nil, nil, err
	}
	return rootKDF(rootKey, dhOut)
}

// RatchetEncrypt advances the sending chain by one step and seals plaintext
// under the resulting message key.
func (s *RatchetState) RatchetEncrypt(plaintext []byte) (*RatchetHeader, []byte, error) {
	mk, nextCK := chainKDF(s.CKs)
	s.CKs = nextCK

	header := &RatchetHeader{
		DHPub: s.DHs.PublicKey().Bytes(),
		N:     s.Ns,
		PN:    s.PN,
	}
	s.Ns++

	nonce, ciphertext, err := aesGCMEncrypt(mk, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, append(nonce, ciphertext...), nil
}

// RatchetDecrypt opens an incoming message, first checking the skipped-key
// buffer for a replay of an earlier gap, then stepping the DH ratchet if
// the header announces a new ratchet public key, then walking the
// receiving chain forward to the header's message number.
func (s *RatchetState) RatchetDecrypt(header *RatchetHeader, ciphertext []byte) ([]byte, error) {
	if plaintext, ok := s.takeSkippedKey(header); ok {
		return decryptWithNonce(plaintext, ciphertext)
	}

	if s.DHr == nil || !bytes.Equal(header.DHPub, s.DHr) {
		if err := s.bufferSkippedKeys(header.PN); err != nil {
			return nil, err
		}
		if err := s.stepDHRatchet(header.DHPub); err != nil {
			return nil, err
		}
	}

	if err := s.bufferSkippedKeys(header.N); err != nil {
		return nil, err
	}

	mk, nextCK := chainKDF(s.CKr)
	s.CKr = nextCK
	s.Nr++

	return decryptWithNonce(mk, ciphertext)
}

// takeSkippedKey consumes and returns a previously buffered message key
// matching header, if one exists; a key is usable exactly once.
func (s *RatchetState) takeSkippedKey(header *RatchetHeader) ([]byte, bool) {
	id := newSkippedKeyID(header.DHPub, header.N)
	mk, ok := s.MKSkipped[id]
	if ok {
		delete(s.MKSkipped, id)
	}
	return mk, ok
}

// bufferSkippedKeys walks the receiving chain forward from its current
// position to until, stashing every intermediate message key so an earlier
// out-of-order message can still be decrypted later.
func (s *RatchetState) bufferSkippedKeys(until uint32) error {
	if s.CKr == nil {
		return nil
	}
	if until > s.Nr+maxSkippedKeys {
		return ErrSkippedKeyLimit
	}
	for s.Nr < until {
		mk, nextCK := chainKDF(s.CKr)
		s.CKr = nextCK
		s.MKSkipped[newSkippedKeyID(s.DHr, s.Nr)] = mk
		s.Nr++
		if len(s.MKSkipped) > maxSkippedKeys {
			return ErrSkippedKeyLimit
		}
	}
	return nil
}

// stepDHRatchet completes a DH ratchet turn: close out the receiving chain
// under the newly announced remote public key, then open a fresh sending
// chain under a freshly generated local key pair.
func (s *RatchetState) stepDHRatchet(remotePub []byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = append([]byte(nil), remotePub...)

	rk, ckr, err := deriveChain(s.RK, s.DHs, s.DHr)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKr = ckr

	s.DHs, err = GenerateX25519KeyPair()
	if err != nil {
		return err
	}

	rk, cks, err := deriveChain(s.RK, s.DHs, s.DHr)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKs = cks
	return nil
}

func decryptWithNonce(mk, data []byte) ([]byte, error) {
	if len(data) < aesNonceSize {
		return nil, ErrInvalidMessage
	}
	return aesGCMDecrypt(mk, data[:aesNonceSize], data[aesNonceSize:])
}

// MarshalBinary serializes the full ratchet state, including any buffered
// skipped-key entries, so a session can be persisted between messages.
func (s *RatchetState) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	buf.Write(s.DHs.Bytes())
	writeOptionalKey(&buf, s.DHr)
	buf.Write(s.RK)
	writeOptionalKey(&buf, s.CKs)
	writeOptionalKey(&buf, s.CKr)

	var word [4]byte
	for _, n := range []uint32{s.Ns, s.Nr, s.PN, uint32(len(s.MKSkipped))} {
		binary.BigEndian.PutUint32(word[:], n)
		buf.Write(word[:])
	}

	for id, mk := range s.MKSkipped {
		idBytes := []byte(id)
		binary.BigEndian.PutUint32(word[:], uint32(len(idBytes)))
		buf.Write(word[:])
		buf.Write(idBytes)
		buf.Write(mk)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary restores a ratchet state previously produced by
// MarshalBinary.
func (s *RatchetState) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	dhsBytes := make([]byte, 32)
	if _, err := io.ReadFull(r, dhsBytes); err != nil {
		return fmt.Errorf("%w: reading local ratchet key: %v", ErrInvalidMessage, err)
	}
	var err error
	s.DHs, err = ecdh.X25519().NewPrivateKey(dhsBytes)
	if err != nil {
		return fmt.Errorf("%w: parsing local ratchet key: %v", ErrInvalidMessage, err)
	}

	if s.DHr, err = readOptionalKey(r); err != nil {
		return fmt.Errorf("%w: reading remote ratchet key: %v", ErrInvalidMessage, err)
	}

	s.RK = make([]byte, 32)
	if _, err := io.ReadFull(r, s.RK); err != nil {
		return fmt.Errorf("%w: reading root key: %v", ErrInvalidMessage, err)
	}
	if s.CKs, err = readOptionalKey(r); err != nil {
		return fmt.Errorf("%w: reading sending chain key: %v", ErrInvalidMessage, err)
	}
	if s.CKr, err = readOptionalKey(r); err != nil {
		return fmt.Errorf("%w: reading receiving chain key: %v", ErrInvalidMessage, err)
	}

	var word [4]byte
	counters := make([]*uint32, 3)
	counters[0], counters[1], counters[2] = &s.Ns, &s.Nr, &s.PN
	for _, c := range counters {
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return fmt.Errorf("%w: reading ratchet counter: %v", ErrInvalidMessage, err)
		}
		*c = binary.BigEndian.Uint32(word[:])
	}

	if _, err := io.ReadFull(r, word[:]); err != nil {
		return fmt.Errorf("%w: reading skipped-key count: %v", ErrInvalidMessage, err)
	}
	count := binary.BigEndian.Uint32(word[:])
	s.MKSkipped = make(map[skippedKeyID][]byte, count)

	for range count {
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return fmt.Errorf("%w: reading skipped-key id length: %v", ErrInvalidMessage, err)
		}
		idBytes := make([]byte, binary.BigEndian.Uint32(word[:]))
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return fmt.Errorf("%w: reading skipped-key id: %v", ErrInvalidMessage, err)
		}
		mk := make([]byte, 32)
		if _, err := io.ReadFull(r, mk); err != nil {
			return fmt.Errorf("%w: reading skipped message key: %v", ErrInvalidMessage, err)
		}
		s.MKSkipped[skippedKeyID(idBytes)] = mk
	}

	return nil
}

func writeOptionalKey(buf *bytes.Buffer, key []byte) {
	if key != nil {
		buf.WriteByte(1)
		buf.Write(key)
	} else {
		buf.WriteByte(0)
	}
}

func readOptionalKey(r *bytes.Reader) ([]byte, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
