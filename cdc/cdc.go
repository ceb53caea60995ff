// Package cdc implements a virtual CDC-ACM (serial port) interface
// handler.
package cdc

import (
	"bytes"
	"encoding/binary"
	"sync"

	usbip "github.com/daedaluz/gousbip"
)

// Subclass code for the Abstract Control Model,
// USB Class Definitions for Communication Devices 1.1, Table 16.
const ACMSubclass = usbip.SubClass(0x02)

// Class-specific request codes (CDC 1.1, Table 46)
const (
	ReqSetLineCoding       = 0x20
	ReqGetLineCoding       = 0x21
	ReqSetControlLineState = 0x22
	ReqSendBreak           = 0x23
)

// Functional descriptor framing (CDC 1.1, Tables 24 and 25)
const (
	csInterface           = 0x24
	subtypeHeader         = 0x00
	subtypeCallManagement = 0x01
	subtypeACM            = 0x02
	subtypeUnion          = 0x06
)

// Endpoint addresses of the serial function.
const (
	EndpointBulkIn      = 0x81
	EndpointBulkOut     = 0x02
	EndpointInterruptIn = 0x83
)

// ACM is an interface handler emulating an abstract control model serial
// port. Data queued with Send is delivered on the following bulk IN
// transfers, at most one max packet per transfer; data the client writes
// accumulates until Received drains it.
type ACM struct {
	mu               sync.Mutex
	tx               bytes.Buffer
	rx               bytes.Buffer
	lineCoding       [7]byte
	controlLineState uint16
}

func NewACM() *ACM {
	h := &ACM{}
	// 115200 8N1 until the client configures otherwise
	binary.LittleEndian.PutUint32(h.lineCoding[0:4], 115200)
	h.lineCoding[6] = 8
	return h
}

// Endpoints returns the endpoint set of the serial interface: a bulk pair
// plus the interrupt notification endpoint.
func Endpoints() []usbip.Endpoint {
	return []usbip.Endpoint{
		{Address: EndpointBulkIn, Attributes: uint8(usbip.TransferTypeBulk), MaxPacketSize: 512},
		{Address: EndpointBulkOut, Attributes: uint8(usbip.TransferTypeBulk), MaxPacketSize: 512},
		{Address: EndpointInterruptIn, Attributes: uint8(usbip.TransferTypeInterrupt), MaxPacketSize: 16, Interval: 10},
	}
}

// ClassDescriptors returns the functional descriptors spliced into the
// configuration descriptor: header, call management, ACM and union.
func ClassDescriptors() []byte {
	return []byte{
		5, csInterface, subtypeHeader, 0x10, 0x01, // bcdCDC 1.10
		5, csInterface, subtypeCallManagement, 0x00, 0x00,
		4, csInterface, subtypeACM, 0x02, // line coding and serial state
		5, csInterface, subtypeUnion, 0x00, 0x00,
	}
}

// NewSerialDevice builds a simulated device exposing a single ACM
// interface and returns it together with its handler.
func NewSerialDevice(index uint32, name string) (*usbip.Device, *ACM) {
	handler := NewACM()
	dev := usbip.NewDevice(index).
		WithInterface(usbip.ClassCodeCDCControl, ACMSubclass, 0x00, name, Endpoints(), handler).
		WithClassDescriptors(ClassDescriptors())
	return dev, handler
}

// Send queues host-bound data for delivery on the following bulk IN
// transfers, at most one max packet per transfer.
func (h *ACM) Send(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tx.Write(data)
}

// Received drains everything the client has written so far.
func (h *ACM) Received() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	data := make([]byte, h.rx.Len())
	copy(data, h.rx.Bytes())
	h.rx.Reset()
	return data
}

// LineCoding returns the 7-byte line coding last set by the client.
func (h *ACM) LineCoding() [7]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lineCoding
}

func (h *ACM) HandleURB(ep usbip.Endpoint, setup usbip.SetupPacket, out []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep.Number() == 0 {
		return h.control(setup, out)
	}
	switch ep.Address {
	case EndpointBulkIn:
		chunk := h.tx.Next(int(ep.MaxPacketSize))
		data := make([]byte, len(chunk))
		copy(data, chunk)
		return data, nil
	case EndpointBulkOut:
		h.rx.Write(out)
		return nil, nil
	case EndpointInterruptIn:
		// no serial state notification pending
		return nil, nil
	}
	return nil, usbip.ErrStall
}

func (h *ACM) control(setup usbip.SetupPacket, out []byte) ([]byte, error) {
	if setup.RequestType.Type() == usbip.RequestTypeStandard {
		// CLEAR_FEATURE(ENDPOINT_HALT): nothing is ever halted on a
		// virtual port
		if setup.Request == usbip.ReqClearFeature {
			return nil, nil
		}
		return nil, usbip.ErrStall
	}
	switch setup.Request {
	case ReqSetLineCoding:
		if len(out) >= len(h.lineCoding) {
			copy(h.lineCoding[:], out)
		}
		return nil, nil
	case ReqGetLineCoding:
		data := make([]byte, len(h.lineCoding))
		copy(data, h.lineCoding[:])
		return data, nil
	case ReqSetControlLineState:
		h.controlLineState = setup.Value
		return nil, nil
	case ReqSendBreak:
		return nil, nil
	}
	return nil, usbip.ErrStall
}

func (h *ACM) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tx.Reset()
	h.rx.Reset()
	h.controlLineState = 0
}
