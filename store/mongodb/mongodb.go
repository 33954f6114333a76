// Package mongodb provides a MongoDB-backed SessionStore for sigsend.
package mongodb

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// Store implements session.Store and dispatch.SessionStore using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to uri and returns a Store scoped to database.
func New(uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: connect: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// Init creates the indexes the session and device-id collections need.
func (s *Store) Init(ctx context.Context) error {
	indexes := []struct {
		collection string
		keys       bson.D
		unique     bool
	}{
		{"remote_identities", bson.D{{Key: "addr", Value: 1}, {Key: "device_id", Value: 1}}, true},
		{"sessions", bson.D{{Key: "addr", Value: 1}, {Key: "device_id", Value: 1}}, true},
		{"known_devices", bson.D{{Key: "addr", Value: 1}, {Key: "device_id", Value: 1}}, true},
		{"pre_keys", bson.D{{Key: "id", Value: 1}}, true},
		{"signed_pre_keys", bson.D{{Key: "id", Value: 1}}, true},
	}
	for _, idx := range indexes {
		_, err := s.db.Collection(idx.collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    idx.keys,
			Options: options.Index().SetUnique(idx.unique),
		})
		if err != nil {
			return fmt.Errorf("store/mongodb: create index on %s: %w", idx.collection, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.client.Disconnect(context.Background()) }

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

type identityDoc struct {
	ID            int    `bson:"_id"`
	PrivateKey    []byte `bson:"private_key"`
	PublicKey     []byte `bson:"public_key"`
	LocalDeviceID uint32 `bson:"local_device_id"`
}

func (s *Store) GetIdentityKeyPair() (*session.IdentityKeyPair, error) {
	var doc identityDoc
	err := s.col("identity_keypair").FindOne(context.Background(), bson.M{"_id": 1}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: get identity key pair: %w", err)
	}
	return &session.IdentityKeyPair{PrivateKey: doc.PrivateKey, PublicKey: doc.PublicKey}, nil
}

func (s *Store) SaveIdentityKeyPair(ikp *session.IdentityKeyPair) error {
	ctx := context.Background()
	_, err := s.col("identity_keypair").UpdateOne(ctx,
		bson.M{"_id": 1},
		bson.M{"$set": bson.M{"private_key": []byte(ikp.PrivateKey), "public_key": []byte(ikp.PublicKey)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store/mongodb: save identity key pair: %w", err)
	}
	return nil
}

func (s *Store) GetLocalDeviceID() (uint32, error) {
	var doc identityDoc
	err := s.col("identity_keypair").FindOne(context.Background(), bson.M{"_id": 1}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store/mongodb: get local device id: %w", err)
	}
	return doc.LocalDeviceID, nil
}

// SetLocalDeviceID records this device's own id.
func (s *Store) SetLocalDeviceID(deviceID uint32) error {
	_, err := s.col("identity_keypair").UpdateOne(context.Background(),
		bson.M{"_id": 1},
		bson.M{"$set": bson.M{"local_device_id": deviceID}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store/mongodb: set local device id: %w", err)
	}
	return nil
}

type remoteIdentityDoc struct {
	Addr        string `bson:"addr"`
	DeviceID    uint32 `bson:"device_id"`
	IdentityKey []byte `bson:"identity_key"`
}

func (s *Store) GetRemoteIdentity(addr session.Address) (ed25519.PublicKey, error) {
	var doc remoteIdentityDoc
	err := s.col("remote_identities").FindOne(context.Background(), bson.M{"addr": addr.Addr, "device_id": addr.DeviceID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: get remote identity: %w", err)
	}
	return doc.IdentityKey, nil
}

func (s *Store) SaveRemoteIdentity(addr session.Address, key ed25519.PublicKey) error {
	_, err := s.col("remote_identities").UpdateOne(context.Background(),
		bson.M{"addr": addr.Addr, "device_id": addr.DeviceID},
		bson.M{"$set": remoteIdentityDoc{Addr: addr.Addr, DeviceID: addr.DeviceID, IdentityKey: key}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store/mongodb: save remote identity: %w", err)
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

type preKeyDoc struct {
	ID         uint32 `bson:"id"`
	PrivateKey []byte `bson:"private_key"`
	PublicKey  []byte `bson:"public_key"`
}

func (s *Store) GetPreKey(id uint32) (*session.PreKeyRecord, error) {
	var doc preKeyDoc
	err := s.col("pre_keys").FindOne(context.Background(), bson.M{"id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, session.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: get pre-key %d: %w", id, err)
	}
	return &session.PreKeyRecord{ID: doc.ID, PrivateKey: doc.PrivateKey, PublicKey: doc.PublicKey}, nil
}

func (s *Store) SavePreKey(record *session.PreKeyRecord) error {
	_, err := s.col("pre_keys").UpdateOne(context.Background(),
		bson.M{"id": record.ID},
		bson.M{"$set": preKeyDoc{ID: record.ID, PrivateKey: record.PrivateKey, PublicKey: record.PublicKey}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store/mongodb: save pre-key %d: %w", record.ID, err)
	}
	return nil
}

func (s *Store) RemovePreKey(id uint32) error {
	_, err := s.col("pre_keys").DeleteOne(context.Background(), bson.M{"id": id})
	if err != nil {
		return fmt.Errorf("store/mongodb: remove pre-key %d: %w", id, err)
	}
	return nil
}

type signedPreKeyDoc struct {
	ID         uint32 `bson:"id"`
	PrivateKey []byte `bson:"private_key"`
	PublicKey  []byte `bson:"public_key"`
	Signature  []byte `bson:"signature"`
}

func (s *Store) GetSignedPreKey(id uint32) (*session.SignedPreKeyRecord, error) {
	var doc signedPreKeyDoc
	err := s.col("signed_pre_keys").FindOne(context.Background(), bson.M{"id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, session.ErrNoPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: get signed pre-key %d: %w", id, err)
	}
	return &session.SignedPreKeyRecord{ID: doc.ID, PrivateKey: doc.PrivateKey, PublicKey: doc.PublicKey, Signature: doc.Signature}, nil
}

func (s *Store) SaveSignedPreKey(record *session.SignedPreKeyRecord) error {
	_, err := s.col("signed_pre_keys").UpdateOne(context.Background(),
		bson.M{"id": record.ID},
		bson.M{"$set": signedPreKeyDoc{ID: record.ID, PrivateKey: record.PrivateKey, PublicKey: record.PublicKey, Signature: record.Signature}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store/mongodb: save signed pre-key %d: %w", record.ID, err)
	}
	return nil
}

type sessionDoc struct {
	Addr     string `bson:"addr"`
	DeviceID uint32 `bson:"device_id"`
	Data     []byte `bson:"data"`
}

func (s *Store) GetSession(addr session.Address) ([]byte, error) {
	var doc sessionDoc
	err := s.col("sessions").FindOne(context.Background(), bson.M{"addr": addr.Addr, "device_id": addr.DeviceID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, session.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: get session: %w", err)
	}
	return doc.Data, nil
}

func (s *Store) SaveSession(addr session.Address, data []byte) error {
	_, err := s.col("sessions").UpdateOne(context.Background(),
		bson.M{"addr": addr.Addr, "device_id": addr.DeviceID},
		bson.M{"$set": sessionDoc{Addr: addr.Addr, DeviceID: addr.DeviceID, Data: data}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store/mongodb: save session: %w", err)
	}
	return nil
}

func (s *Store) RemoveSession(addr session.Address) error {
	_, err := s.col("sessions").DeleteOne(context.Background(), bson.M{"addr": addr.Addr, "device_id": addr.DeviceID})
	if err != nil {
		return fmt.Errorf("store/mongodb: remove session: %w", err)
	}
	return nil
}

func (s *Store) HasOpenSession(addr session.Address) (bool, error) {
	count, err := s.col("sessions").CountDocuments(context.Background(), bson.M{"addr": addr.Addr, "device_id": addr.DeviceID})
	if err != nil {
		return false, fmt.Errorf("store/mongodb: has open session: %w", err)
	}
	return count > 0, nil
}

type deviceDoc struct {
	Addr     string `bson:"addr"`
	DeviceID uint32 `bson:"device_id"`
}

func (s *Store) GetDeviceIDs(ctx context.Context, addr string) ([]dispatch.DeviceID, error) {
	cursor, err := s.col("known_devices").Find(ctx, bson.M{"addr": addr})
	if err != nil {
		return nil, fmt.Errorf("store/mongodb: get device ids: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []dispatch.DeviceID
	for cursor.Next(ctx) {
		var doc deviceDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store/mongodb: decode device id: %w", err)
		}
		ids = append(ids, doc.DeviceID)
	}
	return ids, cursor.Err()
}

func (s *Store) SetDeviceIDs(ctx context.Context, addr string, ids []dispatch.DeviceID) error {
	if _, err := s.col("known_devices").DeleteMany(ctx, bson.M{"addr": addr}); err != nil {
		return fmt.Errorf("store/mongodb: clear device ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	docs := make([]any, len(ids))
	for i, id := range ids {
		docs[i] = deviceDoc{Addr: addr, DeviceID: id}
	}
	if _, err := s.col("known_devices").InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("store/mongodb: insert device ids: %w", err)
	}
	return nil
}

var _ session.Store = (*Store)(nil)
var _ dispatch.SessionStore = (*Store)(nil)
