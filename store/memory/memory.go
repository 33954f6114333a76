// Package memory provides an in-process SessionStore for tests and
// single-device demos.
package memory

import (
	"context"
	"sync"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// Store pairs a crypto session.MemoryStore with the device-id bookkeeping
// dispatch.SessionStore adds on top of it. Nothing here survives a process
// restart.
type Store struct {
	*session.MemoryStore

	mu        sync.RWMutex
	deviceIDs map[string][]dispatch.DeviceID
}

// New creates a Store for localDeviceID, this device's own id.
func New(localDeviceID uint32) *Store {
	return &Store{
		MemoryStore: session.NewMemoryStore(localDeviceID),
		deviceIDs:   make(map[string][]dispatch.DeviceID),
	}
}

// Init is a no-op; the store is ready to use as soon as New returns.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close is a no-op; there is nothing to release.
func (s *Store) Close() error { return nil }

func (s *Store) GetDeviceIDs(ctx context.Context, addr string) ([]dispatch.DeviceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dispatch.DeviceID, len(s.deviceIDs[addr]))
	copy(out, s.deviceIDs[addr])
	return out, nil
}

func (s *Store) SetDeviceIDs(ctx context.Context, addr string, ids []dispatch.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.DeviceID, len(ids))
	copy(out, ids)
	s.deviceIDs[addr] = out
	return nil
}

var _ session.Store = (*Store)(nil)
var _ dispatch.SessionStore = (*Store)(nil)
