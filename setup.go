package usbip

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// SetupPacket is the 8-byte header of a control transfer on endpoint
// zero. Multi-byte fields are little-endian on the wire, as USB mandates.
type SetupPacket struct {
	RequestType RequestType
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes the 8 setup bytes carried in a CMD_SUBMIT packet.
func ParseSetup(b []byte) SetupPacket {
	return SetupPacket{
		RequestType: RequestType(b[0]),
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}
}

// Bytes re-encodes the setup packet, e.g. for host passthrough.
func (s SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = uint8(s.RequestType)
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// handleControl interprets a control transfer on endpoint zero. Standard
// device requests are served centrally and never reach a class handler;
// requests addressed to an interface or an endpoint, standard ones such
// as GET_DESCRIPTOR, SET_INTERFACE and CLEAR_FEATURE(ENDPOINT_HALT)
// included, are routed to the owning interface handler.
func (d *Device) handleControl(setup SetupPacket, out []byte) ([]byte, error) {
	if setup.RequestType.Type() == RequestTypeStandard {
		switch setup.RequestType.Recipient() {
		case RequestRecipientDevice:
			return d.standardDeviceRequest(setup)
		case RequestRecipientInterface:
			switch setup.Request {
			case ReqGetStatus:
				return []byte{0x00, 0x00}, nil
			case ReqGetInterface:
				// alternate settings are not exported
				return []byte{0x00}, nil
			case ReqSetInterface:
				// pass through so the class handler can reset
				// its data toggle state
				return d.interfaceControl(setup, out)
			default:
				// e.g. GET_DESCRIPTOR for HID report
				// descriptors is interface-recipient traffic
				return d.interfaceControl(setup, out)
			}
		case RequestRecipientEndpoint:
			switch setup.Request {
			case ReqGetStatus:
				return []byte{0x00, 0x00}, nil
			case ReqClearFeature:
				// ENDPOINT_HALT is cleared by the interface
				// owning the endpoint, so a passthrough can
				// reach the real device
				if Feature(setup.Value) == FeatureEndpointHalt {
					return d.endpointControl(setup, out)
				}
				return nil, nil
			case ReqSetFeature:
				return nil, nil
			default:
				return d.endpointControl(setup, out)
			}
		}
		return nil, ErrStall
	}

	// class and vendor requests
	switch setup.RequestType.Recipient() {
	case RequestRecipientInterface:
		return d.interfaceControl(setup, out)
	case RequestRecipientEndpoint:
		return d.endpointControl(setup, out)
	default:
		return d.handleDeviceURB(setup, out)
	}
}

func (d *Device) standardDeviceRequest(setup SetupPacket) ([]byte, error) {
	switch setup.Request {
	case ReqGetStatus:
		return []byte{0x00, 0x00}, nil
	case ReqClearFeature, ReqSetFeature:
		return nil, nil
	case ReqSetAddress:
		// the usbip transport owns addressing
		return nil, nil
	case ReqGetDescriptor:
		return d.getDescriptor(setup)
	case ReqGetConfiguration:
		return []byte{d.BConfigurationValue}, nil
	case ReqSetConfiguration:
		d.configured(uint8(setup.Value))
		return nil, nil
	default:
		return nil, ErrStall
	}
}

// interfaceControl routes a control request to the interface addressed by
// the low byte of wIndex.
func (d *Device) interfaceControl(setup SetupPacket, out []byte) ([]byte, error) {
	idx := int(setup.Index & 0xFF)
	if idx >= len(d.interfaces) {
		return nil, ErrStall
	}
	return d.interfaces[idx].handleURB(d.controlEndpoint(setup), setup, out)
}

// endpointControl routes a control request to the interface owning the
// endpoint addressed by the low byte of wIndex.
func (d *Device) endpointControl(setup SetupPacket, out []byte) ([]byte, error) {
	_, intf, err := d.FindEndpoint(uint8(setup.Index))
	if err != nil || intf == nil {
		return nil, ErrStall
	}
	return intf.handleURB(d.controlEndpoint(setup), setup, out)
}

func (d *Device) controlEndpoint(setup SetupPacket) Endpoint {
	if setup.RequestType.In() {
		return d.EP0In
	}
	return d.EP0Out
}

func (d *Device) getDescriptor(setup SetupPacket) ([]byte, error) {
	descriptorType := DescriptorType(setup.Value >> 8)
	index := uint8(setup.Value)

	switch descriptorType {
	case DescriptorTypeDevice:
		return trim(d.deviceDescriptor(), setup.Length), nil
	case DescriptorTypeConfig:
		return trim(d.configurationDescriptor(), setup.Length), nil
	case DescriptorTypeString:
		desc, err := d.stringDescriptor(index)
		if err != nil {
			return nil, err
		}
		return trim(desc, setup.Length), nil
	default:
		return nil, ErrStall
	}
}

// deviceDescriptor synthesizes the 18-byte device descriptor from the
// model fields. Descriptor integers are little-endian.
func (d *Device) deviceDescriptor() []byte {
	b := make([]byte, 18)
	b[0] = 18
	b[1] = uint8(DescriptorTypeDevice)
	binary.LittleEndian.PutUint16(b[2:4], d.BcdUSB)
	b[4] = uint8(d.BDeviceClass)
	b[5] = uint8(d.BDeviceSubClass)
	b[6] = d.BDeviceProtocol
	b[7] = uint8(d.EP0In.MaxPacketSize)
	binary.LittleEndian.PutUint16(b[8:10], d.IDVendor)
	binary.LittleEndian.PutUint16(b[10:12], d.IDProduct)
	binary.LittleEndian.PutUint16(b[12:14], d.BcdDevice)
	b[14] = d.IManufacturer
	b[15] = d.IProduct
	b[16] = d.ISerialNumber
	b[17] = d.BNumConfigurations
	return b
}

const (
	configAttributeBusPowered = 0x80
	configMaxPower100mA       = 50 // 2 mA units
)

// configurationDescriptor synthesizes the configuration descriptor
// followed, per interface, by the interface descriptor, the verbatim
// class-specific blob and the endpoint descriptors. wTotalLength covers
// the whole serialization.
func (d *Device) configurationDescriptor() []byte {
	buf := bytes.Buffer{}
	buf.Write([]byte{
		9,
		uint8(DescriptorTypeConfig),
		0, 0, // wTotalLength, patched below
		uint8(len(d.interfaces)),
		d.BConfigurationValue,
		0,
		configAttributeBusPowered,
		configMaxPower100mA,
	})
	for number, intf := range d.interfaces {
		buf.Write([]byte{
			9,
			uint8(DescriptorTypeInterface),
			uint8(number),
			0, // bAlternateSetting
			uint8(len(intf.Endpoints)),
			uint8(intf.Class),
			uint8(intf.SubClass),
			intf.Protocol,
			intf.IInterface,
		})
		buf.Write(intf.ClassDescriptors)
		for _, ep := range intf.Endpoints {
			desc := [7]byte{
				7,
				uint8(DescriptorTypeEndpoint),
				ep.Address,
				ep.Attributes,
				0, 0,
				ep.Interval,
			}
			binary.LittleEndian.PutUint16(desc[4:6], ep.MaxPacketSize)
			buf.Write(desc[:])
		}
	}
	data := buf.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// stringDescriptor returns the descriptor for the given string index.
// Index 0 is the language id table (en-US), synthesized on demand; other
// indices are UTF-16LE encodings of the stored strings. Unknown indices
// stall.
func (d *Device) stringDescriptor(index uint8) ([]byte, error) {
	if index == 0 {
		return []byte{0x04, uint8(DescriptorTypeString), 0x09, 0x04}, nil
	}
	if int(index) >= len(d.strings) {
		return nil, ErrStall
	}
	encoded := utf16.Encode([]rune(d.strings[index]))
	b := make([]byte, 2+2*len(encoded))
	b[0] = uint8(len(b))
	b[1] = uint8(DescriptorTypeString)
	for i, r := range encoded {
		binary.LittleEndian.PutUint16(b[2+2*i:], r)
	}
	return b, nil
}

func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[0:wLength]
	}
	return buf
}
