package dispatch

import (
	"github.com/atlaschat/sigsend/crypto/session"
)

// DeviceID numbers one of a recipient's devices. Device 1 is always the
// recipient's primary device and is never auto-pruned on a 404.
type DeviceID = uint32

const primaryDeviceID DeviceID = 1

// PreKeyBundle is the key material for one remote device, as returned by a
// SignalTransport key fetch.
type PreKeyBundle = session.PreKeyBundle

// EncryptedDeviceMessage is the per-device wire payload sent to the server.
type EncryptedDeviceMessage struct {
	Type                      uint32 `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   []byte `json:"content"` // base64-encoded by encoding/json
}

// messageTypeCiphertext and messageTypePreKey mirror the Signal wire
// convention distinguishing an ordinary ratchet message from one still
// carrying X3DH handshake material.
const (
	messageTypeCiphertext = 1
	messageTypePreKey     = 3
)

// SentEntry records a successful dispatch to one recipient.
type SentEntry struct {
	Addr      string
	Timestamp int64
}

// ErrorEntry records a failed dispatch to one recipient.
type ErrorEntry struct {
	Addr      string
	Reason    string
	Err       error
	Timestamp int64
}

// eventListeners holds the sent/error/keychange observer registry for one
// OutgoingMessage. Handlers run sequentially, in registration order; a
// handler's own panic or error is never propagated to the caller.
type eventListeners struct {
	sent      []func(SentEntry)
	errorFn   []func(ErrorEntry)
	keychange []func(*IdentityKeyError)
}

// OutgoingMessage is a single-use dispatch of one plaintext to potentially
// many recipients, each handled by its own SendToAddr call. The timestamp
// supplied at construction is immutable across every retry.
type OutgoingMessage struct {
	message   []byte
	timestamp int64

	store     SessionStore
	transport SignalTransport

	mu        chan struct{} // 1-buffered mutex guarding sent/errors/listeners/regIDs
	sent      []SentEntry
	errors    []ErrorEntry
	listeners eventListeners

	// regIDs caches the registrationId each bundle fetch reported, keyed by
	// addr then device id. It is scratch state for one dispatch only; the
	// store has no durable notion of registration ids.
	regIDs map[string]map[DeviceID]uint32
}

// NewOutgoingMessage constructs a dispatch for plaintext, to be sent with
// timestamp preserved bit-exact across all retries. Listener registrations
// via OnSent/OnError/OnKeyChange must happen before the first SendToAddr call.
func NewOutgoingMessage(transport SignalTransport, store SessionStore, timestamp int64, plaintext []byte) *OutgoingMessage {
	m := &OutgoingMessage{
		message:   plaintext,
		timestamp: timestamp,
		store:     store,
		transport: transport,
		mu:        make(chan struct{}, 1),
		regIDs:    make(map[string]map[DeviceID]uint32),
	}
	m.mu <- struct{}{}
	return m
}

// Timestamp returns the constructor-supplied send time.
func (m *OutgoingMessage) Timestamp() int64 { return m.timestamp }

// Sent returns a snapshot of the acknowledgement log.
func (m *OutgoingMessage) Sent() []SentEntry {
	m.lock()
	defer m.unlock()
	out := make([]SentEntry, len(m.sent))
	copy(out, m.sent)
	return out
}

// Errors returns a snapshot of the failure log.
func (m *OutgoingMessage) Errors() []ErrorEntry {
	m.lock()
	defer m.unlock()
	out := make([]ErrorEntry, len(m.errors))
	copy(out, m.errors)
	return out
}

func (m *OutgoingMessage) lock()   { <-m.mu }
func (m *OutgoingMessage) unlock() { m.mu <- struct{}{} }
