package session

import "testing"

// TestFullConversation exercises a full Alice->Bob handshake and first
// message, covering session build (initiator), pre-key message decrypt
// (responder), and the persisted-session round trip through a Store.
func TestFullConversation(t *testing.T) {
	aliceStore := NewMemoryStore(1)
	aliceBuilder := NewBuilder(aliceStore)
	aliceLocal, err := GenerateLocalBundle(aliceStore, 5)
	if err != nil {
		t.Fatal("alice generate bundle:", err)
	}
	aliceAddr := Address{Addr: "alice", DeviceID: 1}

	bobStore := NewMemoryStore(2)
	bobBuilder := NewBuilder(bobStore)
	bobLocal, err := GenerateLocalBundle(bobStore, 5)
	if err != nil {
		t.Fatal("bob generate bundle:", err)
	}
	bobAddr := Address{Addr: "bob", DeviceID: 2}

	bobRemoteBundle := &PreKeyBundle{
		DeviceID:              2,
		IdentityKey:           bobLocal.IdentityKey,
		SignedPreKeyID:        bobLocal.SignedPreKeyID,
		SignedPreKey:          bobLocal.SignedPreKey,
		SignedPreKeySignature: bobLocal.SignedPreKeySignature,
		PreKeyID:              &bobLocal.PreKeys[0].ID,
		PreKey:                bobLocal.PreKeys[0].PublicKey,
	}

	if err := aliceBuilder.ProcessPreKeyBundle(bobAddr, bobRemoteBundle); err != nil {
		t.Fatal("alice process bundle:", err)
	}

	open, err := aliceStore.HasOpenSession(bobAddr)
	if err != nil || !open {
		t.Fatalf("alice should have an open session for bob: open=%v err=%v", open, err)
	}

	aliceCipher := NewCipher(aliceStore, bobAddr)
	ciphertext, isPreKey, err := aliceCipher.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatal("alice encrypt:", err)
	}
	if !isPreKey {
		t.Error("first message from alice should be marked as a pre-key message")
	}

	raw, err := aliceStore.GetSession(bobAddr)
	if err != nil {
		t.Fatal(err)
	}
	aliceSess := &Session{}
	if err := aliceSess.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}

	if err := bobBuilder.ProcessPreKeyMessage(
		aliceAddr,
		aliceLocal.IdentityKey,
		aliceSess.PendingPreKey.EphemeralPubKey,
		aliceSess.PendingPreKey.PreKeyID,
		aliceSess.PendingPreKey.SignedPreKeyID,
	); err != nil {
		t.Fatal("bob process pre-key message:", err)
	}

	header := &RatchetHeader{}
	if err := header.UnmarshalBinary(ciphertext[:ratchetHeaderSize]); err != nil {
		t.Fatal(err)
	}
	bobData, err := bobStore.GetSession(aliceAddr)
	if err != nil {
		t.Fatal(err)
	}
	bobSess := &Session{}
	if err := bobSess.UnmarshalBinary(bobData); err != nil {
		t.Fatal(err)
	}
	plaintext, err := bobSess.Decrypt(header, ciphertext[ratchetHeaderSize:])
	if err != nil {
		t.Fatal("bob decrypt:", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("decrypted = %q, want %q", plaintext, "hello bob")
	}
}

// TestBuilderRejectsChangedIdentity verifies that a changed identity key is
// reported as an IdentityKeyError and does not silently replace the trusted
// key or build a session, until AcceptIdentity is called explicitly.
func TestBuilderRejectsChangedIdentity(t *testing.T) {
	store := NewMemoryStore(1)
	builder := NewBuilder(store)

	addr := Address{Addr: "carol", DeviceID: 3}

	first, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRemoteIdentity(addr, first.PublicKey); err != nil {
		t.Fatal(err)
	}

	second, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	spk, err := generateSignedPreKey(second, 1)
	if err != nil {
		t.Fatal(err)
	}

	bundle := &PreKeyBundle{
		DeviceID:              3,
		IdentityKey:           second.PublicKey,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.PublicKey,
		SignedPreKeySignature: spk.Signature,
	}

	err = builder.ProcessPreKeyBundle(addr, bundle)
	var keyErr *IdentityKeyError
	if err == nil {
		t.Fatal("expected IdentityKeyError, got nil")
	}
	if ke, ok := err.(*IdentityKeyError); !ok {
		t.Fatalf("expected *IdentityKeyError, got %T", err)
	} else {
		keyErr = ke
	}
	if string(keyErr.IdentityKey) != string(second.PublicKey) {
		t.Error("IdentityKeyError should carry the new identity key")
	}

	if open, _ := store.HasOpenSession(addr); open {
		t.Error("no session should be built when the identity is not trusted")
	}

	if err := builder.AcceptIdentity(addr, second.PublicKey); err != nil {
		t.Fatal(err)
	}
	if err := builder.ProcessPreKeyBundle(addr, bundle); err != nil {
		t.Fatalf("after accepting the new identity, ProcessPreKeyBundle should succeed: %v", err)
	}
}
