package session

import "crypto/ecdh"

// Session wraps a Double Ratchet state with the bookkeeping needed to mark
// outgoing messages as pre-key messages until the first reply arrives.
type Session struct {
	Ratchet       *RatchetState
	PendingPreKey *PendingPreKey // non-nil until the first successful decrypt
}

// PendingPreKey records the X3DH material a receiver needs to complete the
// handshake from this session's first message.
type PendingPreKey struct {
	PreKeyID        *uint32
	SignedPreKeyID  uint32
	EphemeralPubKey []byte // 32 bytes, X25519
}

// initSessionAsAlice creates a new session as the initiator using X3DH
// against a freshly fetched remote bundle.
func initSessionAsAlice(localIdentity *IdentityKeyPair, remoteBundle *PreKeyBundle) (*Session, error) {
	x3dhResult, err := X3DHInitiate(localIdentity, remoteBundle)
	if err != nil {
		return nil, err
	}

	ratchet, err := InitRatchetAsAlice(x3dhResult.SharedSecret, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	return &Session{
		Ratchet: ratchet,
		PendingPreKey: &PendingPreKey{
			PreKeyID:        x3dhResult.UsedPreKeyID,
			SignedPreKeyID:  remoteBundle.SignedPreKeyID,
			EphemeralPubKey: x3dhResult.EphemeralPubKey,
		},
	}, nil
}

// initSessionAsBob creates a new session as the responder using X3DH.
func initSessionAsBob(
	localIdentity *IdentityKeyPair,
	localSPK *ecdh.PrivateKey,
	localOPK *ecdh.PrivateKey,
	remoteIdentityKey []byte,
	ephemeralPubKey []byte,
) (*Session, error) {
	sharedSecret, err := X3DHRespond(localIdentity, localSPK, localOPK, remoteIdentityKey, ephemeralPubKey)
	if err != nil {
		return nil, err
	}

	return &Session{Ratchet: InitRatchetAsBob(sharedSecret, localSPK)}, nil
}

// Encrypt encrypts plaintext using this session's ratchet, reporting
// whether it must still be sent as a pre-key message.
func (s *Session) Encrypt(plaintext []byte) (*RatchetHeader, []byte, bool, error) {
	header, ciphertext, err := s.Ratchet.RatchetEncrypt(plaintext)
	if err != nil {
		return nil, nil, false, err
	}
	return header, ciphertext, s.PendingPreKey != nil, nil
}

// Decrypt decrypts a message and clears the pending pre-key marker on the
// first successful decrypt (a reply proves the handshake completed).
func (s *Session) Decrypt(header *RatchetHeader, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.Ratchet.RatchetDecrypt(header, ciphertext)
	if err != nil {
		return nil, err
	}
	s.PendingPreKey = nil
	return plaintext, nil
}

// MarshalBinary serializes the session state.
func (s *Session) MarshalBinary() ([]byte, error) {
	ratchetData, err := s.Ratchet.MarshalBinary()
	if err != nil {
		return nil, err
	}

	hasPending := s.PendingPreKey != nil
	size := 1 + len(ratchetData)
	if hasPending {
		size += 1 + 4 + 32
		if s.PendingPreKey.PreKeyID != nil {
			size += 4
		}
	}

	buf := make([]byte, 0, size)

	if hasPending {
		buf = append(buf, 1)
		ppk := s.PendingPreKey
		if ppk.PreKeyID != nil {
			buf = append(buf, 1)
			buf = appendUint32(buf, *ppk.PreKeyID)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUint32(buf, ppk.SignedPreKeyID)
		buf = append(buf, ppk.EphemeralPubKey...)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, ratchetData...)
	return buf, nil
}

// UnmarshalBinary deserializes a session from bytes.
func (s *Session) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrInvalidMessage
	}

	pos := 0
	pendingFlag := data[pos]
	pos++

	if pendingFlag == 1 {
		s.PendingPreKey = &PendingPreKey{}
		if pos >= len(data) {
			return ErrInvalidMessage
		}
		preKeyFlag := data[pos]
		pos++

		if preKeyFlag == 1 {
			if pos+4 > len(data) {
				return ErrInvalidMessage
			}
			id := readUint32(data[pos:])
			s.PendingPreKey.PreKeyID = &id
			pos += 4
		}

		if pos+4 > len(data) {
			return ErrInvalidMessage
		}
		s.PendingPreKey.SignedPreKeyID = readUint32(data[pos:])
		pos += 4

		if pos+32 > len(data) {
			return ErrInvalidMessage
		}
		s.PendingPreKey.EphemeralPubKey = make([]byte, 32)
		copy(s.PendingPreKey.EphemeralPubKey, data[pos:pos+32])
		pos += 32
	}

	s.Ratchet = &RatchetState{}
	return s.Ratchet.UnmarshalBinary(data[pos:])
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
