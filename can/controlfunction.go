package can

const (
	// GlobalAddress is the broadcast destination address ("all recipients").
	GlobalAddress uint8 = 0xFF
	// NullAddress is the address of a control function that has not yet
	// claimed an address on the bus.
	NullAddress uint8 = 0xFE
)

// ControlFunction is an addressable peer on the CAN network. Handles are
// shared between the network layer and the protocol managers; the managers
// only ever read the address and its validity.
type ControlFunction struct {
	address uint8
	valid   bool
}

// NewControlFunction creates a control function with a claimed address.
func NewControlFunction(address uint8) *ControlFunction {
	return &ControlFunction{address: address, valid: true}
}

func (cf *ControlFunction) Address() uint8 {
	if cf == nil {
		return GlobalAddress
	}
	return cf.address
}

// AddressValid reports whether the control function currently holds a
// claimable address (not null, not global, and not revoked).
func (cf *ControlFunction) AddressValid() bool {
	return cf != nil && cf.valid && cf.address < NullAddress
}

// SetAddress changes the claimed address, e.g. after address arbitration.
func (cf *ControlFunction) SetAddress(address uint8) {
	cf.address = address
}

// SetAddressValid marks the address as usable or revoked.
func (cf *ControlFunction) SetAddressValid(valid bool) {
	cf.valid = valid
}
