package session

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

// supportAgent and customer name two Address-identified devices; the
// identity-conversion test signs supportAgent's address string, and the
// ratchet tests use the same support-agent/customer pairing.
var (
	supportAgent = Address{Addr: "support-agent", DeviceID: 7}
	customer     = Address{Addr: "customer", DeviceID: 1}
)

func TestAESGCMRoundTripsUnderAgreedKey(t *testing.T) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	cases := []string{
		"",
		"hi",
		"ticket #4471 is now resolved, thanks for your patience",
	}
	for _, plaintext := range cases {
		nonce, ciphertext, err := aesGCMEncrypt(key, []byte(plaintext))
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if len(nonce) != aesNonceSize {
			t.Errorf("nonce length = %d, want %d", len(nonce), aesNonceSize)
		}
		if len(ciphertext) < len(plaintext) {
			t.Errorf("ciphertext shorter than plaintext for %q", plaintext)
		}

		decrypted, err := aesGCMDecrypt(key, nonce, ciphertext)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if string(decrypted) != plaintext {
			t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
		}
	}
}

func TestAESGCMRejectsWrongSizedKey(t *testing.T) {
	shortKey := []byte("not-32-bytes")
	if _, _, err := aesGCMEncrypt(shortKey, []byte("message key must be 32 bytes")); err != ErrInvalidKeyLength {
		t.Errorf("encrypt: got %v, want ErrInvalidKeyLength", err)
	}
	if _, err := aesGCMDecrypt(shortKey, make([]byte, aesNonceSize), []byte("x")); err != ErrInvalidKeyLength {
		t.Errorf("decrypt: got %v, want ErrInvalidKeyLength", err)
	}
}

func TestAESGCMRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, aesKeySize)
	rand.Read(key)

	nonce, ciphertext, err := aesGCMEncrypt(key, []byte("do not modify"))
	if err != nil {
		t.Fatal(err)
	}

	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := aesGCMDecrypt(key, nonce, ciphertext); err != ErrInvalidMessage {
		t.Errorf("got %v, want ErrInvalidMessage", err)
	}

	if _, err := aesGCMDecrypt(key, []byte{0x00}, ciphertext); err != ErrInvalidMessage {
		t.Errorf("short nonce: got %v, want ErrInvalidMessage", err)
	}
}

// TestChainKDFAdvancesDeterministically checks the two properties a ratchet
// actually relies on: repeated calls on the same chain key reproduce the
// same outputs, and the message key never equals the next chain key.
func TestChainKDFAdvancesDeterministically(t *testing.T) {
	ck := make([]byte, 32)
	rand.Read(ck)

	mk1, next1 := chainKDF(ck)
	mk2, next2 := chainKDF(ck)

	if !bytes.Equal(mk1, mk2) || !bytes.Equal(next1, next2) {
		t.Error("chainKDF should be a pure function of the chain key")
	}
	if bytes.Equal(mk1, next1) {
		t.Error("message key and next chain key must differ")
	}
	if len(mk1) != 32 || len(next1) != 32 {
		t.Errorf("unexpected output lengths: mk=%d next=%d", len(mk1), len(next1))
	}
}

func TestRootKDFMixesDHOutputIntoRootKey(t *testing.T) {
	rk := make([]byte, 32)
	dh := make([]byte, 32)
	rand.Read(rk)
	rand.Read(dh)

	newRK, newCK, err := rootKDF(rk, dh)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(newRK, rk) {
		t.Error("derived root key must not equal the input root key")
	}
	if bytes.Equal(newRK, newCK) {
		t.Error("derived root key and chain key must differ")
	}

	// A different DH output against the same root key must diverge.
	otherDH := make([]byte, 32)
	rand.Read(otherDH)
	otherRK, _, err := rootKDF(rk, otherDH)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(newRK, otherRK) {
		t.Error("different DH outputs should not derive the same root key")
	}
}

func TestHKDFSHA256OutputLength(t *testing.T) {
	salt := make([]byte, 32)
	out, err := hkdfSHA256(salt, []byte("shared secret material"), []byte("sigsend test vector"), 96)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 96 {
		t.Errorf("output length = %d, want 96", len(out))
	}
}

// TestIdentityAndX25519Conversion exercises the Ed25519<->X25519 bridge
// that lets a single identity key pair take part in both signing and X3DH,
// as both supportAgent and customer's identity keys need to.
func TestIdentityAndX25519Conversion(t *testing.T) {
	ikp, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if len(ikp.PublicKey) != ed25519.PublicKeySize || len(ikp.PrivateKey) != ed25519.PrivateKeySize {
		t.Fatal("unexpected Ed25519 key sizes")
	}

	sig := ed25519.Sign(ikp.PrivateKey, []byte(supportAgent.String()))
	if !ed25519.Verify(ikp.PublicKey, []byte(supportAgent.String()), sig) {
		t.Fatal("identity key pair should sign and verify its own material")
	}

	xPriv, err := Ed25519PrivateKeyToX25519(ikp.PrivateKey)
	if err != nil {
		t.Fatal("private conversion:", err)
	}
	xPub, err := Ed25519PublicKeyToX25519(ikp.PublicKey)
	if err != nil {
		t.Fatal("public conversion:", err)
	}

	derived := xPriv.PublicKey().Bytes()
	if !bytes.Equal(derived, xPub) {
		t.Fatal("X25519 public key derived from the converted private key must match the converted public key")
	}
}

func TestEd25519PublicKeyToX25519RejectsBadLength(t *testing.T) {
	if _, err := Ed25519PublicKeyToX25519([]byte{0x01, 0x02}); err != ErrInvalidKeyLength {
		t.Errorf("got %v, want ErrInvalidKeyLength", err)
	}
}

// TestX25519DHAgreement checks that two independently generated identity
// keys, once bridged to X25519, land on the same shared secret from both
// directions — the same agreement X3DHInitiate/X3DHRespond depend on.
func TestX25519DHAgreement(t *testing.T) {
	agentIdentity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	customerIdentity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	agentPriv, err := Ed25519PrivateKeyToX25519(agentIdentity.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	customerPriv, err := Ed25519PrivateKeyToX25519(customerIdentity.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	agentPub, err := Ed25519PublicKeyToX25519(agentIdentity.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	customerPub, err := Ed25519PublicKeyToX25519(customerIdentity.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	fromAgent, err := x25519DH(agentPriv, customerPub)
	if err != nil {
		t.Fatal(err)
	}
	fromCustomer, err := x25519DH(customerPriv, agentPub)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(fromAgent, fromCustomer) {
		t.Fatal("both sides of the DH exchange must agree on the shared secret")
	}
	if len(fromAgent) != 32 {
		t.Fatalf("shared secret length = %d, want 32", len(fromAgent))
	}
}
