package dispatch_test

import (
	"context"
	"sync"
	"testing"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/dispatch"
)

// fakeStore adds the device-id bookkeeping dispatch.SessionStore needs on
// top of a real crypto session.MemoryStore, so every test exercises the
// actual Double Ratchet/X3DH engine rather than a stub.
type fakeStore struct {
	*session.MemoryStore

	mu        sync.Mutex
	deviceIDs map[string][]dispatch.DeviceID
}

func newFakeStore(localDeviceID uint32) *fakeStore {
	return &fakeStore{
		MemoryStore: session.NewMemoryStore(localDeviceID),
		deviceIDs:   make(map[string][]dispatch.DeviceID),
	}
}

func (s *fakeStore) GetDeviceIDs(ctx context.Context, addr string) ([]dispatch.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.DeviceID, len(s.deviceIDs[addr]))
	copy(out, s.deviceIDs[addr])
	return out, nil
}

func (s *fakeStore) SetDeviceIDs(ctx context.Context, addr string, ids []dispatch.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.DeviceID, len(ids))
	copy(out, ids)
	s.deviceIDs[addr] = out
	return nil
}

// bobDevice is one remote device's published key material plus the store
// backing it, so a fake transport can hand out genuine pre-key bundles and
// the test can separately drive Bob's side of the handshake if needed.
type bobDevice struct {
	store      *session.MemoryStore
	local      *session.LocalBundle
	regID      uint32
	nextPreKey int
}

func newBobDevice(t *testing.T, deviceID uint32, preKeyCount int) *bobDevice {
	t.Helper()
	store := session.NewMemoryStore(deviceID)
	local, err := session.GenerateLocalBundle(store, preKeyCount)
	if err != nil {
		t.Fatalf("generating bundle for device %d: %v", deviceID, err)
	}
	return &bobDevice{store: store, local: local, regID: deviceID * 1000}
}

// bundle returns a fresh PreKeyBundle for deviceID, consuming the next
// unused one-time pre-key (or offering none once they run out).
func (d *bobDevice) bundle(deviceID uint32) *dispatch.PreKeyBundle {
	b := &dispatch.PreKeyBundle{
		DeviceID:              deviceID,
		IdentityKey:           d.local.IdentityKey,
		RegistrationID:        d.regID,
		SignedPreKeyID:        d.local.SignedPreKeyID,
		SignedPreKey:          d.local.SignedPreKey,
		SignedPreKeySignature: d.local.SignedPreKeySignature,
	}
	if d.nextPreKey < len(d.local.PreKeys) {
		pk := d.local.PreKeys[d.nextPreKey]
		d.nextPreKey++
		id := pk.ID
		b.PreKeyID = &id
		b.PreKey = pk.PublicKey
	}
	return b
}

// fakeTransport is a scriptable dispatch.SignalTransport: GetKeysForAddr is
// served from a per-addr/per-device registry of bobDevices, and
// SendMessages replays a queued sequence of responses (the last queued
// response repeats for any call past the end of the queue).
type fakeTransport struct {
	mu sync.Mutex

	devices map[string]map[dispatch.DeviceID]*bobDevice

	sendResponses []error
	sendCalls     int
	sentBatches   [][]dispatch.EncryptedDeviceMessage

	getKeysCalls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{devices: make(map[string]map[dispatch.DeviceID]*bobDevice)}
}

func (tr *fakeTransport) addDevice(addr string, d *bobDevice, id dispatch.DeviceID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.devices[addr] == nil {
		tr.devices[addr] = make(map[dispatch.DeviceID]*bobDevice)
	}
	tr.devices[addr][id] = d
}

func (tr *fakeTransport) removeDevice(addr string, id dispatch.DeviceID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.devices[addr], id)
}

func (tr *fakeTransport) GetKeysForAddr(ctx context.Context, addr string, deviceID *dispatch.DeviceID) ([]*dispatch.PreKeyBundle, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.getKeysCalls++

	devices := tr.devices[addr]

	if deviceID != nil {
		d, ok := devices[*deviceID]
		if !ok {
			return nil, &dispatch.TransportError{Code: 404}
		}
		return []*dispatch.PreKeyBundle{d.bundle(*deviceID)}, nil
	}

	if len(devices) == 0 {
		return nil, &dispatch.TransportError{Code: 404}
	}
	out := make([]*dispatch.PreKeyBundle, 0, len(devices))
	for id, d := range devices {
		out = append(out, d.bundle(id))
	}
	return out, nil
}

func sessionAddr(addr string, deviceID dispatch.DeviceID) session.Address {
	return session.Address{Addr: addr, DeviceID: deviceID}
}

func (tr *fakeTransport) SendMessages(ctx context.Context, addr string, messages []dispatch.EncryptedDeviceMessage, timestamp int64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.sentBatches = append(tr.sentBatches, messages)
	idx := tr.sendCalls
	tr.sendCalls++

	if len(tr.sendResponses) == 0 {
		return nil
	}
	if idx < len(tr.sendResponses) {
		return tr.sendResponses[idx]
	}
	return tr.sendResponses[len(tr.sendResponses)-1]
}
