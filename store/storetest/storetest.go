// Package storetest provides a conformance test suite for SessionStore
// backends. Any backend can use TestStore(t, newStore) to verify it
// implements both crypto/session.Store and dispatch.SessionStore correctly.
package storetest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// Store is the combined interface every backend under test implements.
type Store interface {
	session.Store
	dispatch.SessionStore
	Init(ctx context.Context) error
	Close() error
}

// TestStore runs the full conformance suite against a SessionStore backend.
func TestStore(t *testing.T, newStore func() Store) {
	t.Run("IdentityKeyPair", func(t *testing.T) { testIdentityKeyPair(t, newStore) })
	t.Run("RemoteIdentity", func(t *testing.T) { testRemoteIdentity(t, newStore) })
	t.Run("PreKey", func(t *testing.T) { testPreKey(t, newStore) })
	t.Run("SignedPreKey", func(t *testing.T) { testSignedPreKey(t, newStore) })
	t.Run("Session", func(t *testing.T) { testSession(t, newStore) })
	t.Run("DeviceIDs", func(t *testing.T) { testDeviceIDs(t, newStore) })
}

func initStore(t *testing.T, newStore func() Store) Store {
	t.Helper()
	s := newStore()
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIdentityKeyPair(t *testing.T, newStore func() Store) {
	s := initStore(t, newStore)

	got, err := s.GetIdentityKeyPair()
	if err != nil {
		t.Fatalf("GetIdentityKeyPair before save: %v", err)
	}
	if got != nil {
		t.Fatalf("GetIdentityKeyPair before save: got %+v, want nil", got)
	}

	ikp := &session.IdentityKeyPair{
		PrivateKey: make(ed25519.PrivateKey, ed25519.PrivateKeySize),
		PublicKey:  make(ed25519.PublicKey, ed25519.PublicKeySize),
	}
	ikp.PrivateKey[0] = 0xAB
	ikp.PublicKey[0] = 0xCD
	if err := s.SaveIdentityKeyPair(ikp); err != nil {
		t.Fatalf("SaveIdentityKeyPair: %v", err)
	}

	got, err = s.GetIdentityKeyPair()
	if err != nil {
		t.Fatalf("GetIdentityKeyPair: %v", err)
	}
	if got == nil || !bytes.Equal(got.PrivateKey, ikp.PrivateKey) || !bytes.Equal(got.PublicKey, ikp.PublicKey) {
		t.Fatalf("GetIdentityKeyPair: got %+v, want %+v", got, ikp)
	}
}

func testRemoteIdentity(t *testing.T, newStore func() Store) {
	s := initStore(t, newStore)
	addr := session.Address{Addr: "alice", DeviceID: 1}

	key, err := s.GetRemoteIdentity(addr)
	if err != nil {
		t.Fatalf("GetRemoteIdentity before save: %v", err)
	}
	if key != nil {
		t.Fatalf("GetRemoteIdentity before save: got %v, want nil", key)
	}

	trusted, err := s.IsTrusted(addr, make(ed25519.PublicKey, ed25519.PublicKeySize))
	if err != nil || !trusted {
		t.Fatalf("IsTrusted with no prior identity: got %v, %v, want true, nil", trusted, err)
	}

	id1 := make(ed25519.PublicKey, ed25519.PublicKeySize)
	id1[0] = 1
	if err := s.SaveRemoteIdentity(addr, id1); err != nil {
		t.Fatalf("SaveRemoteIdentity: %v", err)
	}

	got, err := s.GetRemoteIdentity(addr)
	if err != nil || !bytes.Equal(got, id1) {
		t.Fatalf("GetRemoteIdentity: got %v, %v, want %v, nil", got, err, id1)
	}

	trusted, err = s.IsTrusted(addr, id1)
	if err != nil || !trusted {
		t.Fatalf("IsTrusted matching key: got %v, %v, want true, nil", trusted, err)
	}

	id2 := make(ed25519.PublicKey, ed25519.PublicKeySize)
	id2[0] = 2
	trusted, err = s.IsTrusted(addr, id2)
	if err != nil || trusted {
		t.Fatalf("IsTrusted differing key: got %v, %v, want false, nil", trusted, err)
	}
}

func testPreKey(t *testing.T, newStore func() Store) {
	s := initStore(t, newStore)

	_, err := s.GetPreKey(7)
	if err != session.ErrNoPreKey {
		t.Fatalf("GetPreKey before save: got %v, want ErrNoPreKey", err)
	}

	rec := &session.PreKeyRecord{ID: 7, PrivateKey: []byte("priv"), PublicKey: []byte("pub")}
	if err := s.SavePreKey(rec); err != nil {
		t.Fatalf("SavePreKey: %v", err)
	}

	got, err := s.GetPreKey(7)
	if err != nil {
		t.Fatalf("GetPreKey: %v", err)
	}
	if got.ID != rec.ID || !bytes.Equal(got.PrivateKey, rec.PrivateKey) || !bytes.Equal(got.PublicKey, rec.PublicKey) {
		t.Fatalf("GetPreKey: got %+v, want %+v", got, rec)
	}

	if err := s.RemovePreKey(7); err != nil {
		t.Fatalf("RemovePreKey: %v", err)
	}
	if _, err := s.GetPreKey(7); err != session.ErrNoPreKey {
		t.Fatalf("GetPreKey after remove: got %v, want ErrNoPreKey", err)
	}
}

func testSignedPreKey(t *testing.T, newStore func() Store) {
	s := initStore(t, newStore)

	_, err := s.GetSignedPreKey(3)
	if err != session.ErrNoPreKey {
		t.Fatalf("GetSignedPreKey before save: got %v, want ErrNoPreKey", err)
	}

	rec := &session.SignedPreKeyRecord{ID: 3, PrivateKey: []byte("priv"), PublicKey: []byte("pub"), Signature: []byte("sig")}
	if err := s.SaveSignedPreKey(rec); err != nil {
		t.Fatalf("SaveSignedPreKey: %v", err)
	}

	got, err := s.GetSignedPreKey(3)
	if err != nil {
		t.Fatalf("GetSignedPreKey: %v", err)
	}
	if got.ID != rec.ID || !bytes.Equal(got.Signature, rec.Signature) {
		t.Fatalf("GetSignedPreKey: got %+v, want %+v", got, rec)
	}
}

func testSession(t *testing.T, newStore func() Store) {
	s := initStore(t, newStore)
	addr := session.Address{Addr: "bob", DeviceID: 1}

	open, err := s.HasOpenSession(addr)
	if err != nil || open {
		t.Fatalf("HasOpenSession before save: got %v, %v, want false, nil", open, err)
	}
	if _, err := s.GetSession(addr); err != session.ErrNoSession {
		t.Fatalf("GetSession before save: got %v, want ErrNoSession", err)
	}

	data := []byte("ratchet state")
	if err := s.SaveSession(addr, data); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	open, err = s.HasOpenSession(addr)
	if err != nil || !open {
		t.Fatalf("HasOpenSession after save: got %v, %v, want true, nil", open, err)
	}

	got, err := s.GetSession(addr)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("GetSession: got %v, %v, want %v, nil", got, err, data)
	}

	if err := s.RemoveSession(addr); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	open, err = s.HasOpenSession(addr)
	if err != nil || open {
		t.Fatalf("HasOpenSession after remove: got %v, %v, want false, nil", open, err)
	}
}

func testDeviceIDs(t *testing.T, newStore func() Store) {
	s := initStore(t, newStore)
	ctx := context.Background()

	ids, err := s.GetDeviceIDs(ctx, "carol")
	if err != nil {
		t.Fatalf("GetDeviceIDs before save: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("GetDeviceIDs before save: got %v, want empty", ids)
	}

	want := []dispatch.DeviceID{1, 2, 3}
	if err := s.SetDeviceIDs(ctx, "carol", want); err != nil {
		t.Fatalf("SetDeviceIDs: %v", err)
	}

	ids, err = s.GetDeviceIDs(ctx, "carol")
	if err != nil {
		t.Fatalf("GetDeviceIDs: %v", err)
	}
	if !sameDeviceIDs(ids, want) {
		t.Fatalf("GetDeviceIDs: got %v, want %v", ids, want)
	}

	want = []dispatch.DeviceID{2}
	if err := s.SetDeviceIDs(ctx, "carol", want); err != nil {
		t.Fatalf("SetDeviceIDs overwrite: %v", err)
	}
	ids, err = s.GetDeviceIDs(ctx, "carol")
	if err != nil || !sameDeviceIDs(ids, want) {
		t.Fatalf("GetDeviceIDs after overwrite: got %v, %v, want %v", ids, err, want)
	}
}

func sameDeviceIDs(got, want []dispatch.DeviceID) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[dispatch.DeviceID]bool, len(want))
	for _, id := range want {
		seen[id] = true
	}
	for _, id := range got {
		if !seen[id] {
			return false
		}
	}
	return true
}
