package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/atlaschat/sigsend/dispatch"
)

func TestHappyPathKnownDevice(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	// Device 1 is already known locally but has no open session yet, so
	// the first call must fetch its bundle and build one before sending.
	if err := store.SetDeviceIDs(ctx, "bob", []dispatch.DeviceID{1}); err != nil {
		t.Fatal(err)
	}

	m := dispatch.NewOutgoingMessage(transport, store, 1000, []byte("hello bob"))
	m.SendToAddr(ctx, "bob")

	sent := m.Sent()
	if len(sent) != 1 || sent[0].Addr != "bob" || sent[0].Timestamp != 1000 {
		t.Fatalf("Sent() = %+v, want one entry for bob@1000", sent)
	}
	if errs := m.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %+v, want none", errs)
	}
	if transport.sendCalls != 1 {
		t.Fatalf("sendCalls = %d, want 1", transport.sendCalls)
	}
	if got := transport.sentBatches[0][0].DestinationRegistrationID; got != dev1.regID {
		t.Errorf("registration id = %d, want %d", got, dev1.regID)
	}
}

func TestFirstContactDiscoversDevicesVia409(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	// No device ids known yet: the first transmit goes out empty and the
	// server reports the real set via 409.
	transport.sendResponses = []error{
		&dispatch.TransportError{Code: 409, MissingDevices: []dispatch.DeviceID{1}},
		nil,
	}

	m := dispatch.NewOutgoingMessage(transport, store, 2000, []byte("first message"))
	m.SendToAddr(ctx, "bob")

	if errs := m.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %+v, want none", errs)
	}
	if sent := m.Sent(); len(sent) != 1 {
		t.Fatalf("Sent() = %+v, want one entry", sent)
	}
	if transport.sendCalls != 2 {
		t.Fatalf("sendCalls = %d, want 2 (empty probe + recovered send)", transport.sendCalls)
	}
	ids, err := store.GetDeviceIDs(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("device ids after recovery = %v, want [1]", ids)
	}
}

func TestExtraDevicePrunedOn409(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	dev2 := newBobDevice(t, 2, 5)
	dev3 := newBobDevice(t, 3, 5)
	transport.addDevice("bob", dev1, 1)
	transport.addDevice("bob", dev2, 2)
	transport.addDevice("bob", dev3, 3)

	transport.sendResponses = []error{
		&dispatch.TransportError{Code: 409, MissingDevices: []dispatch.DeviceID{1, 2, 3}},
		nil,
	}
	warmup := dispatch.NewOutgoingMessage(transport, store, 1, []byte("warmup"))
	warmup.SendToAddr(ctx, "bob") // all three devices start with no session -> discovered via 409
	if errs := warmup.Errors(); len(errs) != 0 {
		t.Fatalf("warmup Errors() = %+v, want none", errs)
	}

	// Device 3 is uninstalled server-side, but its local session is still
	// open, so the pre-flight stale-device check will not catch it.
	transport.removeDevice("bob", 3)
	transport.sendResponses = []error{
		&dispatch.TransportError{Code: 409, ExtraDevices: []dispatch.DeviceID{3}},
		nil,
	}
	transport.sendCalls = 0
	transport.sentBatches = nil

	m := dispatch.NewOutgoingMessage(transport, store, 2, []byte("second message"))
	m.SendToAddr(ctx, "bob")

	if errs := m.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %+v, want none", errs)
	}
	if sent := m.Sent(); len(sent) != 1 {
		t.Fatalf("Sent() = %+v, want one entry", sent)
	}
	ids, err := store.GetDeviceIDs(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] == 3 || ids[1] == 3 {
		t.Errorf("device ids after pruning = %v, want [1 2] in some order without 3", ids)
	}
	last := transport.sentBatches[len(transport.sentBatches)-1]
	if len(last) != 2 {
		t.Errorf("final send targeted %d devices, want 2", len(last))
	}
}

func TestStaleDeviceRecoveredOn410(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	if err := store.SetDeviceIDs(ctx, "bob", []dispatch.DeviceID{1}); err != nil {
		t.Fatal(err)
	}

	// First send attempt (will build the initial session) succeeds, then a
	// second dispatch gets a 410 telling us device 1's session went stale
	// server-side (e.g. Bob reinstalled).
	warmup := dispatch.NewOutgoingMessage(transport, store, 1, []byte("warmup"))
	warmup.SendToAddr(ctx, "bob")
	if errs := warmup.Errors(); len(errs) != 0 {
		t.Fatalf("warmup Errors() = %+v, want none", errs)
	}

	transport.sendResponses = []error{
		&dispatch.TransportError{Code: 410, StaleDevices: []dispatch.DeviceID{1}},
		nil,
	}
	transport.sendCalls = 0
	transport.sentBatches = nil

	m := dispatch.NewOutgoingMessage(transport, store, 2, []byte("after reinstall"))
	m.SendToAddr(ctx, "bob")

	if errs := m.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %+v, want none", errs)
	}
	if sent := m.Sent(); len(sent) != 1 {
		t.Fatalf("Sent() = %+v, want one entry", sent)
	}
	if transport.sendCalls != 2 {
		t.Fatalf("sendCalls = %d, want 2", transport.sendCalls)
	}
}

func TestSecondConsecutive410HitsRetryLimit(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	if err := store.SetDeviceIDs(ctx, "bob", []dispatch.DeviceID{1}); err != nil {
		t.Fatal(err)
	}
	warmup := dispatch.NewOutgoingMessage(transport, store, 1, []byte("warmup"))
	warmup.SendToAddr(ctx, "bob")
	if errs := warmup.Errors(); len(errs) != 0 {
		t.Fatalf("warmup Errors() = %+v, want none", errs)
	}

	transport.sendResponses = []error{
		&dispatch.TransportError{Code: 410, StaleDevices: []dispatch.DeviceID{1}},
		&dispatch.TransportError{Code: 410, StaleDevices: []dispatch.DeviceID{1}},
	}
	transport.sendCalls = 0
	transport.sentBatches = nil

	m := dispatch.NewOutgoingMessage(transport, store, 3, []byte("flaky"))
	m.SendToAddr(ctx, "bob")

	if sent := m.Sent(); len(sent) != 0 {
		t.Fatalf("Sent() = %+v, want none", sent)
	}
	errs := m.Errors()
	if len(errs) != 1 {
		t.Fatalf("Errors() = %+v, want exactly one entry", errs)
	}
	if transport.sendCalls != 2 {
		t.Fatalf("sendCalls = %d, want exactly 2 (no third transmit)", transport.sendCalls)
	}
}

func TestUnregisteredUserSurfacesUnwrapped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	// No devices registered for "ghost" at all: the empty probe send is
	// rejected outright with a flat 404 (not a 409 device listing).
	transport.sendResponses = []error{&dispatch.TransportError{Code: 404}}

	m := dispatch.NewOutgoingMessage(transport, store, 4, []byte("hello?"))
	m.SendToAddr(ctx, "ghost")

	errs := m.Errors()
	if len(errs) != 1 {
		t.Fatalf("Errors() = %+v, want exactly one entry", errs)
	}
	var unreg *dispatch.UnregisteredUserError
	if !errors.As(errs[0].Err, &unreg) {
		t.Fatalf("Errors()[0].Err = %#v (%T), want *UnregisteredUserError unwrapped", errs[0].Err, errs[0].Err)
	}
}

func Test404PrunesNonPrimaryDeviceDuringPrefetch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	// Device 2 is locally known (stale, no session) but no longer exists
	// server-side; it must be pruned without aborting device 1's send.
	if err := store.SetDeviceIDs(ctx, "bob", []dispatch.DeviceID{1, 2}); err != nil {
		t.Fatal(err)
	}

	m := dispatch.NewOutgoingMessage(transport, store, 5, []byte("hi"))
	m.SendToAddr(ctx, "bob")

	if errs := m.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %+v, want none", errs)
	}
	if sent := m.Sent(); len(sent) != 1 {
		t.Fatalf("Sent() = %+v, want one entry", sent)
	}
	ids, err := store.GetDeviceIDs(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("device ids after prune = %v, want [1]", ids)
	}
}

func TestIdentityKeyChangeRejectedAbortsDispatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	if err := store.SetDeviceIDs(ctx, "bob", []dispatch.DeviceID{1}); err != nil {
		t.Fatal(err)
	}
	warmup := dispatch.NewOutgoingMessage(transport, store, 1, []byte("warmup"))
	warmup.SendToAddr(ctx, "bob")
	if errs := warmup.Errors(); len(errs) != 0 {
		t.Fatalf("warmup Errors() = %+v, want none", errs)
	}

	// Bob's device 1 rotates its identity key without the local user's
	// knowledge; the next fetch reports a different key than trusted.
	rotated := newBobDevice(t, 1, 5)
	transport.addDevice("bob", rotated, 1)

	// Force a re-fetch by marking the session closed.
	// (Simulates a 410-triggered rebuild without exercising 410 itself.)
	if err := store.RemoveSession(sessionAddr("bob", 1)); err != nil {
		t.Fatal(err)
	}

	m := dispatch.NewOutgoingMessage(transport, store, 2, []byte("after rotation"))
	m.OnKeyChange(func(e *dispatch.IdentityKeyError) {
		// reject: leave Accepted false
	})
	m.SendToAddr(ctx, "bob")

	if sent := m.Sent(); len(sent) != 0 {
		t.Fatalf("Sent() = %+v, want none", sent)
	}
	errs := m.Errors()
	if len(errs) != 1 {
		t.Fatalf("Errors() = %+v, want exactly one entry", errs)
	}
	var wrapped *dispatch.OutgoingMessageError
	if !errors.As(errs[0].Err, &wrapped) {
		t.Fatalf("Errors()[0].Err = %#v, want *OutgoingMessageError wrapping the identity change", errs[0].Err)
	}
	var keyErr *dispatch.IdentityKeyError
	if !errors.As(wrapped, &keyErr) {
		t.Fatalf("wrapped error does not unwrap to *IdentityKeyError: %#v", wrapped)
	}
}

func TestIdentityKeyChangeAcceptedRetriesOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(99)
	transport := newFakeTransport()
	dev1 := newBobDevice(t, 1, 5)
	transport.addDevice("bob", dev1, 1)

	if err := store.SetDeviceIDs(ctx, "bob", []dispatch.DeviceID{1}); err != nil {
		t.Fatal(err)
	}
	warmup := dispatch.NewOutgoingMessage(transport, store, 1, []byte("warmup"))
	warmup.SendToAddr(ctx, "bob")
	if errs := warmup.Errors(); len(errs) != 0 {
		t.Fatalf("warmup Errors() = %+v, want none", errs)
	}

	rotated := newBobDevice(t, 1, 5)
	transport.addDevice("bob", rotated, 1)
	if err := store.RemoveSession(sessionAddr("bob", 1)); err != nil {
		t.Fatal(err)
	}

	m := dispatch.NewOutgoingMessage(transport, store, 2, []byte("after rotation"))
	var seen *dispatch.IdentityKeyError
	m.OnKeyChange(func(e *dispatch.IdentityKeyError) {
		seen = e
		e.Accepted = true
	})
	m.SendToAddr(ctx, "bob")

	if errs := m.Errors(); len(errs) != 0 {
		t.Fatalf("Errors() = %+v, want none", errs)
	}
	if sent := m.Sent(); len(sent) != 1 {
		t.Fatalf("Sent() = %+v, want one entry", sent)
	}
	if seen == nil {
		t.Fatal("OnKeyChange handler was never invoked")
	}
}
