package usbip_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	usbip "github.com/daedaluz/gousbip"
	"github.com/daedaluz/gousbip/cdc"
	"github.com/daedaluz/gousbip/hid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSocket feeds canned input to the connection state machine and
// records everything it writes, the way a usbip client would drive it.
type testSocket struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newTestSocket(input []byte) *testSocket {
	return &testSocket{in: bytes.NewReader(input)}
}

func (s *testSocket) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *testSocket) Write(p []byte) (int, error) { return s.out.Write(p) }

var opReqDevlist = []byte{0x01, 0x11, 0x80, 0x05, 0x00, 0x00, 0x00, 0x00}

func importRequest(busID string) []byte {
	req := []byte{0x01, 0x11, 0x80, 0x03, 0x00, 0x00, 0x00, 0x00}
	var id [32]byte
	copy(id[:], busID)
	return append(req, id[:]...)
}

func submitRequest(seq, direction, ep, length uint32, setup [8]byte) []byte {
	cmd := usbip.CmdSubmit{
		HeaderBasic: usbip.HeaderBasic{
			Command:   usbip.CmdSubmitCode,
			SeqNum:    seq,
			Direction: direction,
			Endpoint:  ep,
		},
		TransferBufferLength: length,
		Setup:                setup,
	}
	buf := bytes.Buffer{}
	_ = cmd.Encode(&buf)
	return buf.Bytes()
}

func unlinkRequest(seq, submit uint32) []byte {
	cmd := usbip.CmdUnlink{
		HeaderBasic:  usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, SeqNum: seq},
		SeqNumSubmit: submit,
	}
	buf := bytes.Buffer{}
	_ = cmd.Encode(&buf)
	return buf.Bytes()
}

func serialServer() *usbip.Server {
	dev, _ := cdc.NewSerialDevice(0, "Test CDC ACM")
	return usbip.NewSimulated(dev)
}

func TestEmptyDevlist(t *testing.T) {
	server := usbip.NewSimulated()
	socket := newTestSocket(opReqDevlist)
	require.NoError(t, server.Handler(socket))
	assert.Equal(t, []byte{
		0x01, 0x11, 0x00, 0x05,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}, socket.out.Bytes())
}

func TestDevlistSingleInterface(t *testing.T) {
	server := serialServer()
	socket := newTestSocket(opReqDevlist)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	// header + device record + one interface record
	assert.Len(t, out, 0xC+0x138+4)
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x05}, out[:4])
	assert.EqualValues(t, 1, binary.BigEndian.Uint32(out[8:12]))
	// the interface record trails the device record
	assert.Equal(t, uint8(usbip.ClassCodeCDCControl), out[0xC+0x138])
	assert.Equal(t, uint8(cdc.ACMSubclass), out[0xC+0x138+1])
}

func TestImport(t *testing.T) {
	server := serialServer()
	socket := newTestSocket(importRequest("0"))
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	assert.Len(t, out, 0x140)
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00}, out[:8])

	var summary usbip.DeviceSummary
	require.NoError(t, summary.Decode(bytes.NewReader(out[8:])))
	assert.EqualValues(t, 1, summary.BNumInterfaces)
}

func TestImportMissKeepsConnection(t *testing.T) {
	server := serialServer()
	input := append(importRequest("no-such-busid"), opReqDevlist...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	// 8-byte reply with status 1, then a full devlist reply
	require.True(t, len(out) > 8)
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01}, out[:8])
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x05}, out[8:12])
}

func TestImportGetDeviceDescriptor(t *testing.T) {
	server := serialServer()
	input := importRequest("0")
	input = append(input, submitRequest(1, usbip.DirIn, 0, 0,
		[8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00})...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	require.Len(t, out, 0x140+0x30+0x12)

	var ret usbip.RetSubmit
	require.NoError(t, ret.Decode(bytes.NewReader(out[0x140:])))
	assert.EqualValues(t, usbip.RetSubmitCode, ret.Command)
	assert.EqualValues(t, 1, ret.SeqNum)
	assert.EqualValues(t, 0, ret.Status)
	assert.EqualValues(t, 0x12, ret.ActualLength)

	descriptor := out[0x140+0x30:]
	assert.EqualValues(t, 18, descriptor[0])
	assert.EqualValues(t, usbip.DescriptorTypeDevice, descriptor[1])
}

func TestOutTransferActualLength(t *testing.T) {
	server := serialServer()
	payload := []byte{'p', 'i', 'n', 'g'}
	input := importRequest("0")
	input = append(input, submitRequest(2, usbip.DirOut, uint32(cdc.EndpointBulkOut),
		uint32(len(payload)), [8]byte{})...)
	input = append(input, payload...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	// no payload follows an OUT reply
	require.Len(t, out, 0x140+0x30)

	var ret usbip.RetSubmit
	require.NoError(t, ret.Decode(bytes.NewReader(out[0x140:])))
	assert.EqualValues(t, 0, ret.Status)
	assert.EqualValues(t, len(payload), ret.ActualLength)
}

func TestSubmitUnknownEndpointStalls(t *testing.T) {
	server := serialServer()
	input := importRequest("0")
	input = append(input, submitRequest(3, usbip.DirIn, 5, 0, [8]byte{})...)
	// the connection survives a stalled URB
	input = append(input, unlinkRequest(4, 3)...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	require.Len(t, out, 0x140+0x30+0x30)

	var ret usbip.RetSubmit
	require.NoError(t, ret.Decode(bytes.NewReader(out[0x140:])))
	assert.EqualValues(t, 3, ret.SeqNum)
	assert.NotZero(t, ret.Status)
	assert.Zero(t, ret.ActualLength)
}

func TestUnlinkAcknowledged(t *testing.T) {
	server := serialServer()
	input := importRequest("0")
	input = append(input, unlinkRequest(9, 5)...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	require.Len(t, out, 0x140+0x30)

	var ret usbip.RetUnlink
	require.NoError(t, ret.Decode(bytes.NewReader(out[0x140:])))
	assert.EqualValues(t, usbip.RetUnlinkCode, ret.Command)
	assert.EqualValues(t, 9, ret.SeqNum)
	assert.EqualValues(t, 0, ret.Status)
	assert.Equal(t, [24]byte{}, ret.Reserved)
}

func TestSubmitBeforeImportTerminates(t *testing.T) {
	server := serialServer()
	socket := newTestSocket(submitRequest(1, usbip.DirIn, 0, 0, [8]byte{}))
	assert.Error(t, server.Handler(socket))
}

func TestUnknownCommandTerminates(t *testing.T) {
	server := serialServer()
	socket := newTestSocket([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	assert.Error(t, server.Handler(socket))
}

func TestGetConfigurationDescriptorOverWire(t *testing.T) {
	server := serialServer()
	input := importRequest("0")
	input = append(input, submitRequest(1, usbip.DirIn, 0, 0,
		[8]byte{0x80, 0x06, 0x00, 0x02, 0x00, 0x00, 0xFF, 0x00})...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	// config(9) + interface(9) + functional descriptors(19) + 3 endpoints(7)
	expected := 9 + 9 + len(cdc.ClassDescriptors()) + 3*7
	out := socket.out.Bytes()
	require.Len(t, out, 0x140+0x30+expected)

	descriptor := out[0x140+0x30:]
	assert.EqualValues(t, usbip.DescriptorTypeConfig, descriptor[1])
	assert.Equal(t, uint16(expected), binary.LittleEndian.Uint16(descriptor[2:4]))
}

func TestHIDReportDescriptorOverWire(t *testing.T) {
	dev, _ := hid.NewKeyboardDevice(0, "kbd")
	server := usbip.NewSimulated(dev)

	input := importRequest("0")
	// standard GET_DESCRIPTOR(Report) addressed to interface 0
	input = append(input, submitRequest(1, usbip.DirIn, 0, 0,
		[8]byte{0x81, 0x06, 0x00, 0x22, 0x00, 0x00, 0xFF, 0x00})...)
	socket := newTestSocket(input)
	require.NoError(t, server.Handler(socket))

	out := socket.out.Bytes()
	require.Len(t, out, 0x140+0x30+len(hid.KeyboardReportDescriptor))
	assert.Equal(t, hid.KeyboardReportDescriptor, out[0x140+0x30:])
}

type panicHandler struct{}

func (panicHandler) HandleURB(ep usbip.Endpoint, setup usbip.SetupPacket, out []byte) ([]byte, error) {
	panic("broken handler")
}

func (panicHandler) Reset() {}

func TestHandlerPanicTerminatesConnection(t *testing.T) {
	dev := usbip.NewDevice(0).WithInterface(usbip.ClassCodeVendorSpecific, 0, 0, "", []usbip.Endpoint{
		{Address: 0x81, Attributes: uint8(usbip.TransferTypeBulk), MaxPacketSize: 64},
	}, panicHandler{})
	server := usbip.NewSimulated(dev)

	input := importRequest("0")
	input = append(input, submitRequest(1, usbip.DirIn, 1, 0, [8]byte{})...)
	socket := newTestSocket(input)

	err := server.Handler(socket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
}

func TestAddDeviceDuplicateBusID(t *testing.T) {
	server := serialServer()
	err := server.AddDevice(usbip.NewDevice(0))
	assert.ErrorIs(t, err, usbip.ErrBusIDExists)
	assert.Len(t, server.Devices(), 1)
}

// closingHandler is a device handler holding a backend resource, like
// the host passthrough does.
type closingHandler struct {
	closed bool
}

func (h *closingHandler) HandleURB(setup usbip.SetupPacket, out []byte) ([]byte, error) {
	return nil, usbip.ErrStall
}
func (h *closingHandler) Configured(value uint8) {}
func (h *closingHandler) Reset()                 {}
func (h *closingHandler) Suspend()               {}
func (h *closingHandler) Resume()                {}
func (h *closingHandler) Close() error {
	h.closed = true
	return nil
}

func TestRemoveDeviceClosesHandler(t *testing.T) {
	handler := &closingHandler{}
	server := usbip.NewSimulated(usbip.NewDevice(0).WithDeviceHandler(handler))

	server.RemoveDevice("0")
	assert.Empty(t, server.Devices())
	assert.True(t, handler.closed)
}

func TestRemoveDevice(t *testing.T) {
	server := serialServer()
	server.RemoveDevice("0")
	assert.Empty(t, server.Devices())

	// removing an absent bus id is a no-op
	server.RemoveDevice("0")
	assert.Empty(t, server.Devices())
}

func TestAddDeviceQuiescesConnections(t *testing.T) {
	server := serialServer()

	client, remote := net.Pipe()
	defer client.Close()
	handlerDone := make(chan error, 1)
	go func() { handlerDone <- server.Handler(remote) }()

	// import device 0 so the connection idles in command phase
	_, err := client.Write(importRequest("0"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, make([]byte, 0x140))
	require.NoError(t, err)

	added := make(chan error, 1)
	go func() { added <- server.AddDevice(usbip.NewDevice(1)) }()

	// the connection has not reached the rendezvous yet
	select {
	case <-added:
		t.Fatal("AddDevice completed before the connection quiesced")
	case <-time.After(100 * time.Millisecond):
	}

	// drive one command so the loop re-checks the pause gate
	_, err = client.Write(unlinkRequest(1, 1))
	require.NoError(t, err)
	_, err = io.ReadFull(client, make([]byte, 0x30))
	require.NoError(t, err)

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AddDevice did not complete after the connection quiesced")
	}

	// a second connection observes the new device count
	second := newTestSocket(opReqDevlist)
	require.NoError(t, server.Handler(second))
	out := second.out.Bytes()
	require.True(t, len(out) >= 12)
	assert.EqualValues(t, 2, binary.BigEndian.Uint32(out[8:12]))

	client.Close()
	<-handlerDone
}
