package session

import (
	"encoding/binary"
	"fmt"
)

// RatchetHeader travels alongside each ciphertext so the receiver can
// advance its ratchet state before attempting to decrypt.
type RatchetHeader struct {
	DHPub []byte // 32 bytes, the sender's current X25519 ratchet public key
	PN    uint32 // length of the sender's previous sending chain
	N     uint32 // message number within the sender's current sending chain
}

const ratchetHeaderSize = 32 + 4 + 4

// MarshalBinary encodes a RatchetHeader as PN||N||DHPub.
func (h *RatchetHeader) MarshalBinary() ([]byte, error) {
	if len(h.DHPub) != 32 {
		return nil, ErrInvalidKeyLength
	}
	buf := make([]byte, 0, ratchetHeaderSize)
	buf = binary.BigEndian.AppendUint32(buf, h.PN)
	buf = binary.BigEndian.AppendUint32(buf, h.N)
	buf = append(buf, h.DHPub...)
	return buf, nil
}

// UnmarshalBinary decodes a RatchetHeader previously produced by
// MarshalBinary. It rejects anything of the wrong length rather than
// silently truncating or padding.
func (h *RatchetHeader) UnmarshalBinary(data []byte) error {
	if len(data) != ratchetHeaderSize {
		return fmt.Errorf("%w: ratchet header is %d bytes, want %d", ErrInvalidMessage, len(data), ratchetHeaderSize)
	}
	h.PN = binary.BigEndian.Uint32(data[0:4])
	h.N = binary.BigEndian.Uint32(data[4:8])
	h.DHPub = append([]byte(nil), data[8:40]...)
	return nil
}
