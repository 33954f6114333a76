package sql

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// Store implements both session.Store and dispatch.SessionStore on top of
// database/sql, so any registered driver can back a dispatch.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps db, applying dialect's migrations lazily via Init.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Init runs pending schema migrations. Call once at startup.
func (s *Store) Init(ctx context.Context) error {
	return Migrate(ctx, s.db, s.dialect)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ph(n int) string { return s.dialect.Placeholder(n) }

func (s *Store) GetIdentityKeyPair() (*session.IdentityKeyPair, error) {
	var priv, pub []byte
	err := s.db.QueryRow("SELECT private_key, public_key FROM identity_keypair WHERE id = 1").Scan(&priv, &pub)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/sql: get identity key pair: %w", err)
	}
	return &session.IdentityKeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func (s *Store) SaveIdentityKeyPair(ikp *session.IdentityKeyPair) error {
	q := fmt.Sprintf(
		"INSERT INTO identity_keypair (id, private_key, public_key) VALUES (1, %s, %s) %s",
		s.ph(1), s.ph(2),
		s.dialect.UpsertSuffix([]string{"id"}, []string{"private_key", "public_key"}),
	)
	_, err := s.db.Exec(q, []byte(ikp.PrivateKey), []byte(ikp.PublicKey))
	if err != nil {
		return fmt.Errorf("store/sql: save identity key pair: %w", err)
	}
	return nil
}

func (s *Store) GetLocalDeviceID() (uint32, error) {
	var id uint32
	err := s.db.QueryRow("SELECT local_device_id FROM identity_keypair WHERE id = 1").Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store/sql: get local device id: %w", err)
	}
	return id, nil
}

// SetLocalDeviceID records this device's own id, ahead of the first call to
// SaveIdentityKeyPair (which otherwise upserts local_device_id as 0).
func (s *Store) SetLocalDeviceID(deviceID uint32) error {
	q := fmt.Sprintf(
		"INSERT INTO identity_keypair (id, local_device_id) VALUES (1, %s) %s",
		s.ph(1),
		s.dialect.UpsertSuffix([]string{"id"}, []string{"local_device_id"}),
	)
	_, err := s.db.Exec(q, deviceID)
	if err != nil {
		return fmt.Errorf("store/sql: set local device id: %w", err)
	}
	return nil
}

func (s *Store) GetRemoteIdentity(addr session.Address) (ed25519.PublicKey, error) {
	var key []byte
	q := fmt.Sprintf("SELECT identity_key FROM remote_identities WHERE addr = %s AND device_id = %s", s.ph(1), s.ph(2))
	err := s.db.QueryRow(q, addr.Addr, addr.DeviceID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/sql: get remote identity: %w", err)
	}
	return key, nil
}

func (s *Store) SaveRemoteIdentity(addr session.Address, key ed25519.PublicKey) error {
	q := fmt.Sprintf(
		"INSERT INTO remote_identities (addr, device_id, identity_key) VALUES (%s, %s, %s) %s",
		s.ph(1), s.ph(2), s.ph(3),
		s.dialect.UpsertSuffix([]string{"addr", "device_id"}, []string{"identity_key"}),
	)
	_, err := s.db.Exec(q, addr.Addr, addr.DeviceID, []byte(key))
	if err != nil {
		return fmt.Errorf("store/sql: save remote identity: %w", err)
	}
	return nil
}

func (s *Store) IsTrusted(addr session.Address, key ed25519.PublicKey) (bool, error) {
	existing, err := s.GetRemoteIdentity(addr)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return string(existing) == string(key), nil
}

func (s *Store) GetPreKey(id uint32) (*session.PreKeyRecord, error) {
	var priv, pub []byte
	q := fmt.Sprintf("SELECT private_key, public_key FROM pre_keys WHERE id = %s", s.ph(1))
	err := s.db.QueryRow(q, id).Scan(&priv, &pub)
	if err == sql.ErrNoRows {
		return nil, session.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("store/sql: get pre-key %d: %w", id, err)
	}
	return &session.PreKeyRecord{ID: id, PrivateKey: priv, PublicKey: pub}, nil
}

func (s *Store) SavePreKey(record *session.PreKeyRecord) error {
	q := fmt.Sprintf(
		"INSERT INTO pre_keys (id, private_key, public_key) VALUES (%s, %s, %s) %s",
		s.ph(1), s.ph(2), s.ph(3),
		s.dialect.UpsertSuffix([]string{"id"}, []string{"private_key", "public_key"}),
	)
	_, err := s.db.Exec(q, record.ID, record.PrivateKey, record.PublicKey)
	if err != nil {
		return fmt.Errorf("store/sql: save pre-key %d: %w", record.ID, err)
	}
	return nil
}

func (s *Store) RemovePreKey(id uint32) error {
	q := fmt.Sprintf("DELETE FROM pre_keys WHERE id = %s", s.ph(1))
	if _, err := s.db.Exec(q, id); err != nil {
		return fmt.Errorf("store/sql: remove pre-key %d: %w", id, err)
	}
	return nil
}

func (s *Store) GetSignedPreKey(id uint32) (*session.SignedPreKeyRecord, error) {
	var priv, pub, sig []byte
	q := fmt.Sprintf("SELECT private_key, public_key, signature FROM signed_pre_keys WHERE id = %s", s.ph(1))
	err := s.db.QueryRow(q, id).Scan(&priv, &pub, &sig)
	if err == sql.ErrNoRows {
		return nil, session.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("store/sql: get signed pre-key %d: %w", id, err)
	}
	return &session.SignedPreKeyRecord{ID: id, PrivateKey: priv, PublicKey: pub, Signature: sig}, nil
}

func (s *Store) SaveSignedPreKey(record *session.SignedPreKeyRecord) error {
	q := fmt.Sprintf(
		"INSERT INTO signed_pre_keys (id, private_key, public_key, signature) VALUES (%s, %s, %s, %s) %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4),
		s.dialect.UpsertSuffix([]string{"id"}, []string{"private_key", "public_key", "signature"}),
	)
	_, err := s.db.Exec(q, record.ID, record.PrivateKey, record.PublicKey, record.Signature)
	if err != nil {
		return fmt.Errorf("store/sql: save signed pre-key %d: %w", record.ID, err)
	}
	return nil
}

func (s *Store) GetSession(addr session.Address) ([]byte, error) {
	var data []byte
	q := fmt.Sprintf("SELECT data FROM sessions WHERE addr = %s AND device_id = %s", s.ph(1), s.ph(2))
	err := s.db.QueryRow(q, addr.Addr, addr.DeviceID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, session.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("store/sql: get session: %w", err)
	}
	return data, nil
}

func (s *Store) SaveSession(addr session.Address, data []byte) error {
	q := fmt.Sprintf(
		"INSERT INTO sessions (addr, device_id, data) VALUES (%s, %s, %s) %s",
		s.ph(1), s.ph(2), s.ph(3),
		s.dialect.UpsertSuffix([]string{"addr", "device_id"}, []string{"data"}),
	)
	_, err := s.db.Exec(q, addr.Addr, addr.DeviceID, data)
	if err != nil {
		return fmt.Errorf("store/sql: save session: %w", err)
	}
	return nil
}

func (s *Store) RemoveSession(addr session.Address) error {
	q := fmt.Sprintf("DELETE FROM sessions WHERE addr = %s AND device_id = %s", s.ph(1), s.ph(2))
	if _, err := s.db.Exec(q, addr.Addr, addr.DeviceID); err != nil {
		return fmt.Errorf("store/sql: remove session: %w", err)
	}
	return nil
}

func (s *Store) HasOpenSession(addr session.Address) (bool, error) {
	var count int
	q := fmt.Sprintf("SELECT COUNT(*) FROM sessions WHERE addr = %s AND device_id = %s", s.ph(1), s.ph(2))
	err := s.db.QueryRow(q, addr.Addr, addr.DeviceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store/sql: has open session: %w", err)
	}
	return count > 0, nil
}

func (s *Store) GetDeviceIDs(ctx context.Context, addr string) ([]dispatch.DeviceID, error) {
	q := fmt.Sprintf("SELECT device_id FROM known_devices WHERE addr = %s ORDER BY device_id", s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, addr)
	if err != nil {
		return nil, fmt.Errorf("store/sql: get device ids: %w", err)
	}
	defer rows.Close()

	var ids []dispatch.DeviceID
	for rows.Next() {
		var id dispatch.DeviceID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store/sql: scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SetDeviceIDs(ctx context.Context, addr string, ids []dispatch.DeviceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/sql: set device ids: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM known_devices WHERE addr = %s", s.ph(1)), addr); err != nil {
		return fmt.Errorf("store/sql: clear device ids: %w", err)
	}
	for _, id := range ids {
		q := fmt.Sprintf("INSERT INTO known_devices (addr, device_id) VALUES (%s, %s)", s.ph(1), s.ph(2))
		if _, err := tx.ExecContext(ctx, q, addr, id); err != nil {
			return fmt.Errorf("store/sql: insert device id: %w", err)
		}
	}
	return tx.Commit()
}

var _ session.Store = (*Store)(nil)
var _ dispatch.SessionStore = (*Store)(nil)
