package session

// Cipher is a per-(address,device) handle onto a persisted ratchet
// session. It holds only the store and the address, so any Cipher for the
// same device reaches the same session: the dispatch core builds one per
// device for each transmit, and a fresh one per stale device when a 410
// recovery closes the sessions the server rejected.
type Cipher struct {
	store Store
	addr  Address
}

// NewCipher returns a Cipher for addr backed by store.
func NewCipher(store Store, addr Address) *Cipher {
	return &Cipher{store: store, addr: addr}
}

// HasOpenSession reports whether a ratchet session is already persisted for
// this device.
func (c *Cipher) HasOpenSession() (bool, error) {
	return c.store.HasOpenSession(c.addr)
}

// Encrypt ratchet-encrypts plaintext for this device, persisting the
// advanced ratchet state before returning. The returned isPreKey flag is
// true until the remote device's first reply has been processed.
func (c *Cipher) Encrypt(plaintext []byte) (data []byte, isPreKey bool, err error) {
	raw, err := c.store.GetSession(c.addr)
	if err != nil {
		return nil, false, err
	}

	sess := &Session{}
	if err := sess.UnmarshalBinary(raw); err != nil {
		return nil, false, err
	}

	header, ciphertext, isPreKey, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, false, err
	}

	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return nil, false, err
	}

	out := make([]byte, len(headerBytes)+len(ciphertext))
	copy(out, headerBytes)
	copy(out[len(headerBytes):], ciphertext)

	saved, err := sess.MarshalBinary()
	if err != nil {
		return nil, false, err
	}
	if err := c.store.SaveSession(c.addr, saved); err != nil {
		return nil, false, err
	}

	return out, isPreKey, nil
}

// CloseOpenSession deletes the persisted ratchet session for this device,
// forcing the next send to rebuild one from a fresh pre-key bundle.
func (c *Cipher) CloseOpenSession() error {
	return c.store.RemoveSession(c.addr)
}
