package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/atlaschat/sigsend/crypto/session"
)

// encryptResult is the outcome of ratchet-encrypting for one device.
type encryptResult struct {
	id  DeviceID
	msg EncryptedDeviceMessage
	err error
}

// doSendMessage pads and ratchet-encrypts the plaintext for each device,
// posts the resulting envelope, and classifies the response. recurse gates
// whether a 409/410 recovery is allowed to attempt a second transmit;
// attempt is carried through only to label a terminal retry-limit error.
func (m *OutgoingMessage) doSendMessage(ctx context.Context, addr string, deviceIds []DeviceID, recurse bool, attempt int) {
	padded := padMessage(m.message)

	results := make(chan encryptResult, len(deviceIds))
	for _, id := range deviceIds {
		id := id
		go func() {
			cipher := session.NewCipher(m.store, session.Address{Addr: addr, DeviceID: id})
			data, isPreKey, err := cipher.Encrypt(padded)
			if err != nil {
				results <- encryptResult{id: id, err: err}
				return
			}
			typ := uint32(messageTypeCiphertext)
			if isPreKey {
				typ = messageTypePreKey
			}
			results <- encryptResult{id: id, msg: EncryptedDeviceMessage{
				Type:                      typ,
				DestinationDeviceID:       id,
				DestinationRegistrationID: m.registrationIDFor(addr, id),
				Content:                   data,
			}}
		}()
	}

	messages := make([]EncryptedDeviceMessage, 0, len(deviceIds))
	var encErr error
	for range deviceIds {
		r := <-results
		if r.err != nil {
			if encErr == nil {
				encErr = r.err
			}
			continue
		}
		messages = append(messages, r.msg)
	}
	if encErr != nil {
		m.fail(ctx, addr, "Failed to create message", encErr)
		return
	}

	err := m.transport.SendMessages(ctx, addr, messages, m.timestamp)
	if err == nil {
		zerolog.Ctx(ctx).Debug().Int("devices", len(messages)).Msg("message delivered")
		m.emitSent(SentEntry{Addr: addr, Timestamp: m.timestamp})
		return
	}

	var te *TransportError
	if !errors.As(err, &te) {
		// Transport/network errors are not protocol classifications; report
		// unchanged so a caller can distinguish "try again later" from a
		// definitive protocol rejection.
		m.fail(ctx, addr, "Failed to send message", err)
		return
	}

	switch te.Code {
	case 409:
		m.recoverMismatchedDevices(ctx, addr, te, recurse, attempt)
	case 410:
		m.recoverStaleDevices(ctx, addr, te, recurse, attempt)
	case 404:
		m.fail(ctx, addr, "Failed to send message", &UnregisteredUserError{Addr: addr})
	default:
		m.fail(ctx, addr, "Failed to send message", &SendMessageError{Addr: addr, Code: te.Code, Err: te})
	}
}

// recoverMismatchedDevices handles a 409: extra devices are pruned locally,
// missing devices are fetched and sessions built for them, then the
// transmit is retried if recursion is still permitted.
func (m *OutgoingMessage) recoverMismatchedDevices(ctx context.Context, addr string, te *TransportError, recurse bool, attempt int) {
	zerolog.Ctx(ctx).Debug().Uints32("extra", te.ExtraDevices).Uints32("missing", te.MissingDevices).Msg("mismatched devices (409)")
	if err := m.removeDeviceIdsForAddr(ctx, addr, te.ExtraDevices); err != nil {
		m.fail(ctx, addr, "Failed to send to address", err)
		return
	}

	missing := te.MissingDevices
	if err := m.getKeysForAddr(ctx, addr, &missing, false); err != nil {
		m.fail(ctx, addr, "Failed to retrieve new device keys for address", err)
		return
	}

	if !recurse {
		m.fail(ctx, addr, retryLimitErr(attempt).Error(), te)
		return
	}
	m.reloadDevicesAndSend(ctx, addr, true, attempt+1)
}

// recoverStaleDevices handles a 410: the rejected devices' sessions are
// closed so the next transmit rebuilds them from a fresh bundle. A 410
// recovery may retry exactly once more (with recurse=false); a 410 on that
// retry terminates rather than recursing again.
func (m *OutgoingMessage) recoverStaleDevices(ctx context.Context, addr string, te *TransportError, recurse bool, attempt int) {
	zerolog.Ctx(ctx).Debug().Uints32("stale", te.StaleDevices).Msg("stale devices (410)")
	for _, id := range te.StaleDevices {
		cipher := session.NewCipher(m.store, session.Address{Addr: addr, DeviceID: id})
		if err := cipher.CloseOpenSession(); err != nil {
			m.fail(ctx, addr, "Failed to send to address", err)
			return
		}
	}

	stale := te.StaleDevices
	if err := m.getKeysForAddr(ctx, addr, &stale, false); err != nil {
		m.fail(ctx, addr, "Failed to retrieve new device keys for address", err)
		return
	}

	if !recurse {
		m.fail(ctx, addr, retryLimitErr(attempt).Error(), te)
		return
	}
	m.reloadDevicesAndSend(ctx, addr, false, attempt+1)
}
