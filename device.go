package usbip

import (
	"fmt"
	"io"
	"strconv"
	"sync"
)

type (
	// Interface groups the endpoints of one exported interface together
	// with the handler that serves them. ClassDescriptors is spliced
	// verbatim into GET_DESCRIPTOR(CONFIGURATION) output between the
	// interface descriptor and its endpoint descriptors.
	Interface struct {
		Class    ClassCode
		SubClass SubClass
		Protocol uint8

		Endpoints []Endpoint

		// IInterface is the string table index describing this
		// interface, or zero.
		IInterface uint8

		ClassDescriptors []byte

		// The handler is shared mutable state; mu guarantees at most
		// one URB executes against it at a time.
		mu      sync.Mutex
		handler InterfaceHandler
	}

	// Device is an exported USB device. Identity fields are immutable
	// once the device has been registered with a server; only handler
	// state and the configuration value mutate afterwards.
	Device struct {
		// Path and BusID identify the device towards usbip clients.
		// Both are matched and transmitted as fixed-width zero-padded
		// byte fields.
		Path  string
		BusID string

		BusNum uint32
		DevNum uint32
		Speed  Speed

		IDVendor  uint16
		IDProduct uint16
		BcdDevice uint16
		BcdUSB    uint16

		BDeviceClass    ClassCode
		BDeviceSubClass SubClass
		BDeviceProtocol uint8

		BConfigurationValue uint8
		BNumConfigurations  uint8

		IManufacturer uint8
		IProduct      uint8
		ISerialNumber uint8

		// EP0In and EP0Out are the synthetic control endpoint pair
		// every device owns; their max packet size mirrors
		// bMaxPacketSize0.
		EP0In  Endpoint
		EP0Out Endpoint

		// index 0 is reserved for the language id table, which is
		// synthesized on demand.
		strings    []string
		interfaces []*Interface

		devMu   sync.Mutex
		handler DeviceHandler
	}
)

// NewDevice creates a simulated full/high-speed device with sensible
// defaults. The index becomes the bus id, so a client imports the first
// simulated device with busid "0".
func NewDevice(index uint32) *Device {
	const maxPacketSize0 = 64
	return &Device{
		Path:                fmt.Sprintf("/sys/devices/usbip/%d", index),
		BusID:               strconv.FormatUint(uint64(index), 10),
		Speed:               SpeedHigh,
		IDVendor:            0x1D6B,
		IDProduct:           0x0104,
		BcdUSB:              0x0200,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		EP0In: Endpoint{
			Address:       EndpointDirectionIn,
			Attributes:    uint8(TransferTypeControl),
			MaxPacketSize: maxPacketSize0,
		},
		EP0Out: Endpoint{
			Address:       EndpointDirectionOut,
			Attributes:    uint8(TransferTypeControl),
			MaxPacketSize: maxPacketSize0,
		},
		strings: []string{""},
	}
}

// NewString inserts s into the device string table and returns its index.
// Index 0 is reserved for the language id descriptor.
func (d *Device) NewString(s string) uint8 {
	d.strings = append(d.strings, s)
	return uint8(len(d.strings) - 1)
}

// WithInterface appends an interface served by handler. The interface
// number is its position in the list. name, when non-empty, is inserted
// into the string table. A handler instance must not be shared between
// interfaces or devices.
func (d *Device) WithInterface(class ClassCode, subClass SubClass, protocol uint8,
	name string, endpoints []Endpoint, handler InterfaceHandler) *Device {
	var iInterface uint8
	if name != "" {
		iInterface = d.NewString(name)
	}
	d.interfaces = append(d.interfaces, &Interface{
		Class:      class,
		SubClass:   subClass,
		Protocol:   protocol,
		Endpoints:  endpoints,
		IInterface: iInterface,
		handler:    handler,
	})
	return d
}

// WithClassDescriptors attaches a class-specific descriptor blob to the
// most recently added interface.
func (d *Device) WithClassDescriptors(descriptors []byte) *Device {
	if n := len(d.interfaces); n > 0 {
		d.interfaces[n-1].ClassDescriptors = descriptors
	}
	return d
}

// WithDeviceHandler attaches the optional device-scope handler receiving
// non-standard ep0 requests and lifecycle notifications.
func (d *Device) WithDeviceHandler(handler DeviceHandler) *Device {
	d.handler = handler
	return d
}

// Interfaces returns the ordered interface list.
func (d *Device) Interfaces() []*Interface {
	return d.interfaces
}

// FindEndpoint resolves a wire endpoint address (direction bit included)
// to the endpoint and its owning interface. Endpoint zero resolves to the
// synthetic control pair with a nil interface.
func (d *Device) FindEndpoint(address uint8) (Endpoint, *Interface, error) {
	if address&0x0F == 0 {
		if address&EndpointDirectionIn != 0 {
			return d.EP0In, nil, nil
		}
		return d.EP0Out, nil, nil
	}
	for _, intf := range d.interfaces {
		for _, ep := range intf.Endpoints {
			if ep.Address == address {
				return ep, intf, nil
			}
		}
	}
	return Endpoint{}, nil, ErrEndpointNotFound
}

// Summary fills the fixed-size wire record for this device.
func (d *Device) Summary() DeviceSummary {
	return DeviceSummary{
		Path:                pad256(d.Path),
		BusID:               pad32(d.BusID),
		BusNum:              d.BusNum,
		DevNum:              d.DevNum,
		Speed:               uint32(d.Speed),
		IDVendor:            d.IDVendor,
		IDProduct:           d.IDProduct,
		BcdDevice:           d.BcdDevice,
		BDeviceClass:        uint8(d.BDeviceClass),
		BDeviceSubClass:     uint8(d.BDeviceSubClass),
		BDeviceProtocol:     d.BDeviceProtocol,
		BConfigurationValue: d.BConfigurationValue,
		BNumConfigurations:  d.BNumConfigurations,
		BNumInterfaces:      uint8(len(d.interfaces)),
	}
}

// WriteSummary emits the 312-byte device record used in OP_REP_IMPORT.
func (d *Device) WriteSummary(w io.Writer) error {
	summary := d.Summary()
	return summary.Encode(w)
}

// WriteSummaryWithInterfaces emits the device record followed by one
// 4-byte record per interface, as OP_REP_DEVLIST requires.
func (d *Device) WriteSummaryWithInterfaces(w io.Writer) error {
	if err := d.WriteSummary(w); err != nil {
		return err
	}
	for _, intf := range d.interfaces {
		s := InterfaceSummary{
			BInterfaceClass:    uint8(intf.Class),
			BInterfaceSubClass: uint8(intf.SubClass),
			BInterfaceProtocol: intf.Protocol,
		}
		if err := s.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

// handleURB hands one URB to the interface handler under its lock.
func (i *Interface) handleURB(ep Endpoint, setup SetupPacket, out []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handler.HandleURB(ep, setup, out)
}

// Handler exposes the interface handler for callers that need the
// concrete type, e.g. to feed a CDC-ACM transmit buffer.
func (i *Interface) Handler() InterfaceHandler {
	return i.handler
}

// handleDeviceURB hands a device-scope control request to the device
// handler under its lock.
func (d *Device) handleDeviceURB(setup SetupPacket, out []byte) ([]byte, error) {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	if d.handler == nil {
		return nil, ErrStall
	}
	return d.handler.HandleURB(setup, out)
}

// close releases backend resources held by the device handler, e.g. the
// host-passthrough file descriptor. Handlers opt in by implementing
// io.Closer.
func (d *Device) close() {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	if closer, ok := d.handler.(io.Closer); ok {
		_ = closer.Close()
	}
}

// configured records a SET_CONFIGURATION and notifies the device handler.
func (d *Device) configured(value uint8) {
	d.BConfigurationValue = value
	d.devMu.Lock()
	defer d.devMu.Unlock()
	if d.handler != nil {
		d.handler.Configured(value)
	}
}
