package dispatch

import (
	"context"
	"fmt"

	"github.com/atlaschat/sigsend/crypto/session"
)

// SessionStore is the narrow persistence surface the dispatch core
// consumes: the recipient's known device-id list, plus every
// cryptographic-session operation the key-exchange and encrypt-and-transmit
// phases need. Implementations must serialize concurrent mutation of a
// given (addr, deviceId) session internally; concurrent dispatches to
// different addresses need no coordination.
type SessionStore interface {
	session.Store

	// GetDeviceIDs returns the locally-known device ids for addr, or an
	// empty slice if none are known yet.
	GetDeviceIDs(ctx context.Context, addr string) ([]DeviceID, error)

	// SetDeviceIDs replaces the locally-known device ids for addr.
	SetDeviceIDs(ctx context.Context, addr string, ids []DeviceID) error
}

// SignalTransport is the RPC surface the dispatch core treats as an
// external collaborator: fetching pre-key bundles and posting encrypted
// message bundles.
type SignalTransport interface {
	// GetKeysForAddr fetches pre-key bundles for addr. When deviceID is
	// nil, the complete device set is fetched in one call; when non-nil,
	// exactly that device's bundle is fetched (the key-exchange subsystem
	// calls this once per id, strictly in sequence, for the updateDevices
	// case).
	GetKeysForAddr(ctx context.Context, addr string, deviceID *DeviceID) ([]*PreKeyBundle, error)

	// SendMessages posts one encrypted bundle for addr, tagged with
	// timestamp (preserved bit-exact across retries). A non-2xx response
	// is returned as *TransportError.
	SendMessages(ctx context.Context, addr string, messages []EncryptedDeviceMessage, timestamp int64) error
}

// TransportError is a classified non-2xx SignalTransport response.
type TransportError struct {
	Code int

	// ExtraDevices and MissingDevices are populated for a 409 response.
	ExtraDevices   []DeviceID
	MissingDevices []DeviceID

	// StaleDevices is populated for a 410 response.
	StaleDevices []DeviceID
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch: transport error %d", e.Code)
}
