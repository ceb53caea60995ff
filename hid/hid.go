// Package hid implements a virtual HID interface handler delivering its
// report descriptor over control requests and input reports over the
// interrupt IN endpoint.
package hid

import (
	"encoding/binary"
	"sync"

	usbip "github.com/daedaluz/gousbip"
)

const (
	DescriptorTypeHID      = usbip.DescriptorType(0x21)
	DescriptorTypeReport   = usbip.DescriptorType(0x22)
	DescriptorTypePhysical = usbip.DescriptorType(0x23)
)

// Class-specific request codes (HID 1.11, section 7.2)
const (
	ReqGetReport   = 0x01
	ReqGetIdle     = 0x02
	ReqGetProtocol = 0x03
	ReqSetReport   = 0x09
	ReqSetIdle     = 0x0A
	ReqSetProtocol = 0x0B
)

// EndpointInterruptIn carries input reports to the client.
const EndpointInterruptIn = 0x81

// KeyboardReportDescriptor is the standard boot keyboard report layout.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, //   Usage Page (Key Codes)
	0x19, 0xE0, //   Usage Minimum (224)
	0x29, 0xE7, //   Usage Maximum (231)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x08, //   Report Size (8)
	0x81, 0x01, //   Input (Constant)
	0x95, 0x05, //   Report Count (5)
	0x75, 0x01, //   Report Size (1)
	0x05, 0x08, //   Usage Page (LEDs)
	0x19, 0x01, //   Usage Minimum (1)
	0x29, 0x05, //   Usage Maximum (5)
	0x91, 0x02, //   Output (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x03, //   Report Size (3)
	0x91, 0x01, //   Output (Constant)
	0x95, 0x06, //   Report Count (6)
	0x75, 0x08, //   Report Size (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x65, //   Logical Maximum (101)
	0x05, 0x07, //   Usage Page (Key Codes)
	0x19, 0x00, //   Usage Minimum (0)
	0x29, 0x65, //   Usage Maximum (101)
	0x81, 0x00, //   Input (Data, Array)
	0xC0, // End Collection
}

// Handler serves one HID interface from a report descriptor.
type Handler struct {
	mu               sync.Mutex
	reportDescriptor []byte
	inputReports     [][]byte
	lastOutput       []byte
	idle             uint8
	protocol         uint8
}

func New(reportDescriptor []byte) *Handler {
	return &Handler{
		reportDescriptor: reportDescriptor,
		protocol:         1, // report protocol
	}
}

// NewKeyboard returns a handler emulating a boot keyboard.
func NewKeyboard() *Handler {
	return New(KeyboardReportDescriptor)
}

// Descriptor returns the 9-byte HID descriptor referencing the report
// descriptor, for use as the interface class-specific blob.
func (h *Handler) Descriptor() []byte {
	d := []byte{
		9,
		uint8(DescriptorTypeHID),
		0x11, 0x01, // bcdHID 1.11
		0x00, // country code
		0x01, // one class descriptor follows
		uint8(DescriptorTypeReport),
		0, 0,
	}
	binary.LittleEndian.PutUint16(d[7:9], uint16(len(h.reportDescriptor)))
	return d
}

// Endpoints returns the single interrupt IN endpoint of the interface.
func Endpoints() []usbip.Endpoint {
	return []usbip.Endpoint{
		{Address: EndpointInterruptIn, Attributes: uint8(usbip.TransferTypeInterrupt), MaxPacketSize: 8, Interval: 10},
	}
}

// NewKeyboardDevice builds a simulated boot keyboard device and returns
// it together with its handler.
func NewKeyboardDevice(index uint32, name string) (*usbip.Device, *Handler) {
	handler := NewKeyboard()
	dev := usbip.NewDevice(index).
		WithInterface(usbip.ClassCodeInterfaceHID, 0x01, 0x01, name, Endpoints(), handler).
		WithClassDescriptors(handler.Descriptor())
	return dev, handler
}

// QueueInput queues an input report for delivery on the interrupt IN
// endpoint.
func (h *Handler) QueueInput(report []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data := make([]byte, len(report))
	copy(data, report)
	h.inputReports = append(h.inputReports, data)
}

// LastOutput returns the most recent SET_REPORT payload, e.g. keyboard
// LED state.
func (h *Handler) LastOutput() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastOutput
}

func (h *Handler) HandleURB(ep usbip.Endpoint, setup usbip.SetupPacket, out []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep.Number() == 0 {
		return h.control(setup, out)
	}
	if ep.Address == EndpointInterruptIn {
		if len(h.inputReports) == 0 {
			return nil, nil
		}
		report := h.inputReports[0]
		h.inputReports = h.inputReports[1:]
		return report, nil
	}
	return nil, usbip.ErrStall
}

func (h *Handler) control(setup usbip.SetupPacket, out []byte) ([]byte, error) {
	if setup.RequestType.Type() == usbip.RequestTypeStandard {
		switch setup.Request {
		case usbip.ReqClearFeature:
			// no endpoint is ever halted on a virtual interface
			return nil, nil
		case usbip.ReqGetDescriptor:
			switch usbip.DescriptorType(setup.Value >> 8) {
			case DescriptorTypeHID:
				return trim(h.Descriptor(), setup.Length), nil
			case DescriptorTypeReport:
				return trim(h.reportDescriptor, setup.Length), nil
			}
		}
		return nil, usbip.ErrStall
	}

	switch setup.Request {
	case ReqGetReport:
		if len(h.inputReports) > 0 {
			return trim(h.inputReports[0], setup.Length), nil
		}
		return make([]byte, setup.Length), nil
	case ReqSetReport:
		h.lastOutput = append([]byte(nil), out...)
		return nil, nil
	case ReqGetIdle:
		return []byte{h.idle}, nil
	case ReqSetIdle:
		h.idle = uint8(setup.Value >> 8)
		return nil, nil
	case ReqGetProtocol:
		return []byte{h.protocol}, nil
	case ReqSetProtocol:
		h.protocol = uint8(setup.Value)
		return nil, nil
	}
	return nil, usbip.ErrStall
}

func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputReports = nil
	h.lastOutput = nil
	h.idle = 0
	h.protocol = 1
}

func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[0:wLength]
	}
	return buf
}
