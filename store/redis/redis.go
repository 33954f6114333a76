// Package redis provides a Redis-backed SessionStore for sigsend.
package redis

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// Store implements session.Store and dispatch.SessionStore using Redis.
type Store struct {
	rdb *redis.Client
}

// New creates a Store backed by a fresh client built from opts.
func New(opts *redis.Options) *Store {
	return &Store{rdb: redis.NewClient(opts)}
}

func (s *Store) Init(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *Store) Close() error                   { return s.rdb.Close() }

func identityKey() string                  { return "sigsend:identity" }
func remoteIdentityKey(a session.Address) string { return fmt.Sprintf("sigsend:remoteid:%s:%d", a.Addr, a.DeviceID) }
func preKeyKey(id uint32) string            { return "sigsend:prekey:" + strconv.FormatUint(uint64(id), 10) }
func signedPreKeyKey(id uint32) string      { return "sigsend:spk:" + strconv.FormatUint(uint64(id), 10) }
func sessionKey(a session.Address) string   { return fmt.Sprintf("sigsend:session:%s:%d", a.Addr, a.DeviceID) }
func devicesKey(addr string) string         { return "sigsend:devices:" + addr }

type identityRecord struct {
	PrivateKey    []byte
	PublicKey     []byte
	LocalDeviceID uint32
}

func (s *Store) GetIdentityKeyPair() (*session.IdentityKeyPair, error) {
	data, err := s.rdb.Get(context.Background(), identityKey()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get identity key pair: %w", err)
	}
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store/redis: decode identity key pair: %w", err)
	}
	return &session.IdentityKeyPair{PrivateKey: rec.PrivateKey, PublicKey: rec.PublicKey}, nil
}

func (s *Store) SaveIdentityKeyPair(ikp *session.IdentityKeyPair) error {
	ctx := context.Background()
	localID, err := s.GetLocalDeviceID()
	if err != nil {
		return err
	}
	rec := identityRecord{PrivateKey: ikp.PrivateKey, PublicKey: ikp.PublicKey, LocalDeviceID: localID}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, identityKey(), data, 0).Err()
}

func (s *Store) GetLocalDeviceID() (uint32, error) {
	data, err := s.rdb.Get(context.Background(), identityKey()).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store/redis: get local device id: %w", err)
	}
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, err
	}
	return rec.LocalDeviceID, nil
}

// SetLocalDeviceID records this device's own id, ahead of the first call to
// SaveIdentityKeyPair or standalone.
func (s *Store) SetLocalDeviceID(deviceID uint32) error {
	ctx := context.Background()
	ikp, err := s.GetIdentityKeyPair()
	if err != nil {
		return err
	}
	rec := identityRecord{LocalDeviceID: deviceID}
	if ikp != nil {
		rec.PrivateKey = ikp.PrivateKey
		rec.PublicKey = ikp.PublicKey
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, identityKey(), data, 0).Err()
}

func (s *Store) GetRemoteIdentity(addr session.Address) (ed25519.PublicKey, error) {
	data, err := s.rdb.Get(context.Background(), remoteIdentityKey(addr)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get remote identity: %w", err)
	}
	return data, nil
}

func (s *Store) SaveRemoteIdentity(addr session.Address, key ed25519.PublicKey) error {
	return s.rdb.Set(context.Background(), remoteIdentityKey(addr), []byte(key), 0).Err()
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
	data, err := s.rdb.Get(context.Background(), preKeyKey(id)).Bytes()
	if err == redis.Nil {
		return nil, session.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get pre-key %d: %w", id, err)
	}
	var rec session.PreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SavePreKey(record *session.PreKeyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(context.Background(), preKeyKey(record.ID), data, 0).Err()
}

func (s *Store) RemovePreKey(id uint32) error {
	return s.rdb.Del(context.Background(), preKeyKey(id)).Err()
}

func (s *Store) GetSignedPreKey(id uint32) (*session.SignedPreKeyRecord, error) {
	data, err := s.rdb.Get(context.Background(), signedPreKeyKey(id)).Bytes()
	if err == redis.Nil {
		return nil, session.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get signed pre-key %d: %w", id, err)
	}
	var rec session.SignedPreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveSignedPreKey(record *session.SignedPreKeyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(context.Background(), signedPreKeyKey(record.ID), data, 0).Err()
}

func (s *Store) GetSession(addr session.Address) ([]byte, error) {
	data, err := s.rdb.Get(context.Background(), sessionKey(addr)).Bytes()
	if err == redis.Nil {
		return nil, session.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("store/redis: get session: %w", err)
	}
	return data, nil
}

func (s *Store) SaveSession(addr session.Address, data []byte) error {
	return s.rdb.Set(context.Background(), sessionKey(addr), data, 0).Err()
}

func (s *Store) RemoveSession(addr session.Address) error {
	return s.rdb.Del(context.Background(), sessionKey(addr)).Err()
}

func (s *Store) HasOpenSession(addr session.Address) (bool, error) {
	n, err := s.rdb.Exists(context.Background(), sessionKey(addr)).Result()
	if err != nil {
		return false, fmt.Errorf("store/redis: has open session: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetDeviceIDs(ctx context.Context, addr string) ([]dispatch.DeviceID, error) {
	members, err := s.rdb.SMembers(ctx, devicesKey(addr)).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: get device ids: %w", err)
	}
	ids := make([]dispatch.DeviceID, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("store/redis: parse device id %q: %w", m, err)
		}
		ids = append(ids, dispatch.DeviceID(n))
	}
	return ids, nil
}

func (s *Store) SetDeviceIDs(ctx context.Context, addr string, ids []dispatch.DeviceID) error {
	key := devicesKey(addr)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(ids) > 0 {
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = strconv.FormatUint(uint64(id), 10)
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store/redis: set device ids: %w", err)
	}
	return nil
}

var _ session.Store = (*Store)(nil)
var _ dispatch.SessionStore = (*Store)(nil)
