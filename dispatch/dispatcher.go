package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/atlaschat/sigsend/crypto/session"
)

// SendToAddr dispatches the message to one recipient. It never returns an
// error: every outcome is delivered through the sent/error event streams
// registered via On*. Listener registrations must be installed before this
// is called.
func (m *OutgoingMessage) SendToAddr(ctx context.Context, addr string) {
	log := zerolog.Ctx(ctx).With().Str("addr", addr).Int64("timestamp", m.timestamp).Logger()
	ctx = log.WithContext(ctx)
	log.Debug().Msg("dispatch started")

	staleIds, err := m.getStaleDeviceIdsForAddr(ctx, addr)
	if err != nil {
		m.fail(ctx, addr, "Failed to get device ids for address", err)
		return
	}

	if err := m.getKeysForAddr(ctx, addr, &staleIds, false); err != nil {
		m.fail(ctx, addr, "Failed to retrieve new device keys for address", err)
		return
	}

	m.reloadDevicesAndSend(ctx, addr, true, 1)
}

// fail classifies cause and emits a single error event for addr. A 404
// (UnregisteredUserError) passes through unwrapped; everything else is
// wrapped in an OutgoingMessageError carrying the phase tag as its message.
func (m *OutgoingMessage) fail(ctx context.Context, addr, reason string, cause error) {
	var unreg *UnregisteredUserError
	finalErr := cause
	if !errors.As(cause, &unreg) {
		finalErr = &OutgoingMessageError{Addr: addr, Message: reason, Timestamp: m.timestamp, Cause: cause}
	}
	zerolog.Ctx(ctx).Warn().Err(cause).Str("reason", reason).Msg("dispatch failed")
	m.emitError(ErrorEntry{Addr: addr, Reason: reason, Err: finalErr, Timestamp: m.timestamp})
}

// getStaleDeviceIdsForAddr returns the subset of the locally-known device
// ids whose session cipher reports no open session. An empty local list
// yields an empty result; a subsequent transmit with zero devices will
// elicit a 409 carrying the server's authoritative set.
func (m *OutgoingMessage) getStaleDeviceIdsForAddr(ctx context.Context, addr string) ([]DeviceID, error) {
	ids, err := m.store.GetDeviceIDs(ctx, addr)
	if err != nil {
		return nil, err
	}

	stale := make([]DeviceID, 0, len(ids))
	for _, id := range ids {
		open, err := m.store.HasOpenSession(session.Address{Addr: addr, DeviceID: id})
		if err != nil {
			return nil, err
		}
		if !open {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// removeDeviceIdsForAddr deletes the session record for each id and drops
// it from the locally-known device list. Missing records are tolerated.
func (m *OutgoingMessage) removeDeviceIdsForAddr(ctx context.Context, addr string, ids []DeviceID) error {
	for _, id := range ids {
		if err := m.store.RemoveSession(session.Address{Addr: addr, DeviceID: id}); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}

	current, err := m.store.GetDeviceIDs(ctx, addr)
	if err != nil {
		return err
	}
	drop := make(map[DeviceID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := make([]DeviceID, 0, len(current))
	for _, id := range current {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	return m.store.SetDeviceIDs(ctx, addr, kept)
}

// addDeviceID records id as known for addr, if not already present.
func (m *OutgoingMessage) addDeviceID(ctx context.Context, addr string, id DeviceID) error {
	current, err := m.store.GetDeviceIDs(ctx, addr)
	if err != nil {
		return err
	}
	for _, existing := range current {
		if existing == id {
			return nil
		}
	}
	return m.store.SetDeviceIDs(ctx, addr, append(current, id))
}

// setRegistrationID remembers the registrationId a key fetch reported for
// (addr, id), for use when the per-device message envelope is built.
func (m *OutgoingMessage) setRegistrationID(addr string, id DeviceID, regID uint32) {
	m.lock()
	defer m.unlock()
	byDevice, ok := m.regIDs[addr]
	if !ok {
		byDevice = make(map[DeviceID]uint32)
		m.regIDs[addr] = byDevice
	}
	byDevice[id] = regID
}

func (m *OutgoingMessage) registrationIDFor(addr string, id DeviceID) uint32 {
	m.lock()
	defer m.unlock()
	return m.regIDs[addr][id]
}

// reloadDevicesAndSend re-reads the full device-id list (it may have
// changed since entry) and invokes doSendMessage.
func (m *OutgoingMessage) reloadDevicesAndSend(ctx context.Context, addr string, recurse bool, attempt int) {
	ids, err := m.store.GetDeviceIDs(ctx, addr)
	if err != nil {
		m.fail(ctx, addr, "Failed to send to address", err)
		return
	}
	m.doSendMessage(ctx, addr, ids, recurse, attempt)
}
