package session

import "fmt"

// Address identifies a single device belonging to a recipient. Every
// session, identity record, and pre-key lookup is keyed by one of these.
type Address struct {
	Addr     string
	DeviceID uint32
}

// NewAddress builds an Address, rejecting an empty recipient string since
// no store lookup can key off it.
func NewAddress(addr string, deviceID uint32) (Address, error) {
	if addr == "" {
		return Address{}, fmt.Errorf("session: address requires a non-empty recipient")
	}
	return Address{Addr: addr, DeviceID: deviceID}, nil
}

// Equal reports whether a and other name the same device.
func (a Address) Equal(other Address) bool {
	return a.Addr == other.Addr && a.DeviceID == other.DeviceID
}

func (a Address) String() string {
	return a.Addr + "#" + fmt.Sprint(a.DeviceID)
}
