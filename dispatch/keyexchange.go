package dispatch

import (
	"context"
	"errors"

	"github.com/atlaschat/sigsend/crypto/session"
)

// getKeysForAddr builds or rebuilds sessions for addr. When updateDevices is
// nil, every device bundle is fetched in one call and processed in
// parallel. When non-nil (even empty), each id's bundle is fetched
// separately, strictly in sequence — the compatibility path used whenever
// the caller already knows which device ids need attention.
//
// A freshly fetched identity key that diverges from the one previously
// trusted surfaces as *IdentityKeyError via the OnKeyChange listeners. If a
// handler accepts it, the same (addr, updateDevices) pair is retried once
// with reentrant=true; a second divergence on that retry is returned
// unconditionally rather than prompting again, so a misbehaving or
// perpetually-rotating peer can never wedge the dispatch in a prompt loop.
func (m *OutgoingMessage) getKeysForAddr(ctx context.Context, addr string, updateDevices *[]DeviceID, reentrant bool) error {
	builder := session.NewBuilder(m.store)

	if updateDevices == nil {
		bundles, err := m.transport.GetKeysForAddr(ctx, addr, nil)
		if err != nil {
			return err
		}

		type outcome struct{ err error }
		results := make(chan outcome, len(bundles))
		for _, bundle := range bundles {
			bundle := bundle
			go func() {
				results <- outcome{m.processOneBundle(ctx, builder, addr, bundle)}
			}()
		}

		var firstErr error
		var identityErr *IdentityKeyError
		for range bundles {
			r := <-results
			var ie *IdentityKeyError
			if errors.As(r.err, &ie) {
				identityErr = ie
				continue
			}
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		}
		if identityErr != nil {
			return m.resolveIdentityChange(ctx, addr, updateDevices, reentrant, identityErr, builder)
		}
		return firstErr
	}

	for _, id := range *updateDevices {
		bundles, err := m.transport.GetKeysForAddr(ctx, addr, &id)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && te.Code == 404 && id != primaryDeviceID {
				if rmErr := m.removeDeviceIdsForAddr(ctx, addr, []DeviceID{id}); rmErr != nil {
					return rmErr
				}
				continue
			}
			return err
		}
		for _, bundle := range bundles {
			err := m.processOneBundle(ctx, builder, addr, bundle)
			var ie *IdentityKeyError
			if errors.As(err, &ie) {
				return m.resolveIdentityChange(ctx, addr, updateDevices, reentrant, ie, builder)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// processOneBundle builds a session from one fetched bundle and, on
// success, records the device id and registration id for this dispatch.
func (m *OutgoingMessage) processOneBundle(ctx context.Context, builder *session.Builder, addr string, bundle *PreKeyBundle) error {
	target := session.Address{Addr: addr, DeviceID: bundle.DeviceID}

	err := builder.ProcessPreKeyBundle(target, bundle)
	var keyErr *session.IdentityKeyError
	if errors.As(err, &keyErr) {
		return &IdentityKeyError{Addr: addr, DeviceID: keyErr.DeviceID, IdentityKey: keyErr.IdentityKey}
	}
	if err != nil {
		return err
	}

	m.setRegistrationID(addr, bundle.DeviceID, bundle.RegistrationID)
	return m.addDeviceID(ctx, addr, bundle.DeviceID)
}

// resolveIdentityChange prompts the registered keychange listeners. A
// reentrant call never prompts again: it rethrows unconditionally, bounding
// the prompt to exactly one per getKeysForAddr invocation chain.
func (m *OutgoingMessage) resolveIdentityChange(
	ctx context.Context,
	addr string,
	updateDevices *[]DeviceID,
	reentrant bool,
	keyErr *IdentityKeyError,
	builder *session.Builder,
) error {
	if reentrant {
		return keyErr
	}

	if !m.emitKeyChange(keyErr) {
		return keyErr
	}

	target := session.Address{Addr: addr, DeviceID: keyErr.DeviceID}
	if err := builder.AcceptIdentity(target, keyErr.IdentityKey); err != nil {
		return err
	}
	return m.getKeysForAddr(ctx, addr, updateDevices, true)
}
