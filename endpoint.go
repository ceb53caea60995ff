package usbip

type (
	SynchronizationType uint8
	UsageType           uint8
)

const (
	SynchronizationTypeNoSync = SynchronizationType(iota)
	SynchronizationTypeAsynchronous
	SynchronizationTypeAdaptive
	SynchronizationTypeSynchronous
)

const (
	UsageTypeData = UsageType(iota)
	UsageTypeFeedback
	UsageTypeExplicitFeedbackData
	UsageTypeReserved
)

// Endpoint describes a single endpoint of an exported device.
// Address carries the direction bit (0x80 = IN); Attributes carries the
// transfer type in its low two bits.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number without the direction bit.
func (ep Endpoint) Number() uint8 {
	return ep.Address & 0x0F
}

// In reports whether this is an IN (device to host) endpoint.
func (ep Endpoint) In() bool {
	return ep.Address&EndpointDirectionIn != 0
}

func (ep Endpoint) TransferType() TransferType {
	return TransferType(ep.Attributes & 0b00000011)
}

func (ep Endpoint) SynchronizationType() SynchronizationType {
	return SynchronizationType((ep.Attributes & 0b00001100) >> 2)
}

func (ep Endpoint) UsageType() UsageType {
	return UsageType((ep.Attributes & 0b00110000) >> 4)
}
