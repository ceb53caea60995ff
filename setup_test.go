package usbip

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetup(t *testing.T) {
	setup := ParseSetup([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00})
	assert.Equal(t, RequestType(0x80), setup.RequestType)
	assert.EqualValues(t, ReqGetDescriptor, setup.Request)
	assert.EqualValues(t, 0x0100, setup.Value)
	assert.EqualValues(t, 0x0040, setup.Length)
	assert.True(t, setup.RequestType.In())
	assert.Equal(t, RequestTypeStandard, setup.RequestType.Type())
	assert.Equal(t, RequestRecipientDevice, setup.RequestType.Recipient())

	assert.Equal(t, [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00}, setup.Bytes())
}

func getDescriptorSetup(descriptorType DescriptorType, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeStandard | RequestRecipientDevice,
		Request:     ReqGetDescriptor,
		Value:       uint16(descriptorType)<<8 | uint16(index),
		Length:      length,
	}
}

func TestGetDeviceDescriptor(t *testing.T) {
	d := testDevice()
	data, err := d.handleControl(getDescriptorSetup(DescriptorTypeDevice, 0, 0x40), nil)
	require.NoError(t, err)
	require.Len(t, data, 18)
	assert.EqualValues(t, 18, data[0])
	assert.EqualValues(t, DescriptorTypeDevice, data[1])
	assert.Equal(t, d.BcdUSB, binary.LittleEndian.Uint16(data[2:4]))
	assert.EqualValues(t, d.EP0In.MaxPacketSize, data[7])
	assert.Equal(t, d.IDVendor, binary.LittleEndian.Uint16(data[8:10]))
	assert.Equal(t, d.BNumConfigurations, data[17])
}

func TestGetDeviceDescriptorCapped(t *testing.T) {
	d := testDevice()
	data, err := d.handleControl(getDescriptorSetup(DescriptorTypeDevice, 0, 8), nil)
	require.NoError(t, err)
	assert.Len(t, data, 8)
}

func TestGetConfigurationDescriptor(t *testing.T) {
	d := NewDevice(0).WithInterface(ClassCodeVendorSpecific, 0, 0, "", []Endpoint{
		{Address: 0x81, Attributes: uint8(TransferTypeBulk), MaxPacketSize: 512},
		{Address: 0x02, Attributes: uint8(TransferTypeBulk), MaxPacketSize: 512},
	}, &loopHandler{}).WithClassDescriptors([]byte{4, 0x24, 0x02, 0x02})

	data, err := d.handleControl(getDescriptorSetup(DescriptorTypeConfig, 0, 0xFFFF), nil)
	require.NoError(t, err)

	// config(9) + interface(9) + class blob(4) + 2 * endpoint(7)
	expected := 9 + 9 + 4 + 2*7
	assert.Len(t, data, expected)
	assert.EqualValues(t, DescriptorTypeConfig, data[1])
	assert.Equal(t, uint16(expected), binary.LittleEndian.Uint16(data[2:4]))
	assert.EqualValues(t, 1, data[4]) // bNumInterfaces

	// interface descriptor follows the config descriptor
	assert.EqualValues(t, DescriptorTypeInterface, data[10])
	assert.EqualValues(t, 2, data[13]) // bNumEndpoints
	// class blob is spliced between interface and endpoints
	assert.Equal(t, []byte{4, 0x24, 0x02, 0x02}, data[18:22])
	assert.EqualValues(t, DescriptorTypeEndpoint, data[23])
}

func TestStringDescriptors(t *testing.T) {
	d := NewDevice(0)
	idx := d.NewString("Aa")

	// index 0 is the language table
	data, err := d.handleControl(getDescriptorSetup(DescriptorTypeString, 0, 0xFF), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x03, 0x09, 0x04}, data)

	data, err = d.handleControl(getDescriptorSetup(DescriptorTypeString, idx, 0xFF), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 0x03, 'A', 0x00, 'a', 0x00}, data)

	// out-of-range indices stall
	_, err = d.handleControl(getDescriptorSetup(DescriptorTypeString, 42, 0xFF), nil)
	assert.ErrorIs(t, err, ErrStall)
}

func TestGetStatusAndFeatures(t *testing.T) {
	d := testDevice()

	data, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestRecipientDevice,
		Request:     ReqGetStatus,
		Length:      2,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, data)

	data, err = d.handleControl(SetupPacket{
		RequestType: RequestDirectionOut | RequestRecipientDevice,
		Request:     ReqClearFeature,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestClearEndpointHaltReachesOwningInterface(t *testing.T) {
	handler := &loopHandler{}
	d := NewDevice(0).WithInterface(ClassCodeVendorSpecific, 0, 0, "", []Endpoint{
		{Address: 0x81, Attributes: uint8(TransferTypeBulk), MaxPacketSize: 512},
	}, handler)

	data, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionOut | RequestRecipientEndpoint,
		Request:     ReqClearFeature,
		Value:       uint16(FeatureEndpointHalt),
		Index:       0x81,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.EqualValues(t, ReqClearFeature, handler.lastSetup.Request)

	// other endpoint features are acknowledged centrally
	handler.lastSetup = SetupPacket{}
	_, err = d.handleControl(SetupPacket{
		RequestType: RequestDirectionOut | RequestRecipientEndpoint,
		Request:     ReqClearFeature,
		Value:       uint16(FeatureDeviceRemoteWakeUp),
		Index:       0x81,
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, handler.lastSetup.Request)

	// a halt on an unknown endpoint stalls
	_, err = d.handleControl(SetupPacket{
		RequestType: RequestDirectionOut | RequestRecipientEndpoint,
		Request:     ReqClearFeature,
		Value:       uint16(FeatureEndpointHalt),
		Index:       0x05,
	}, nil)
	assert.ErrorIs(t, err, ErrStall)
}

// notifyHandler records lifecycle notifications.
type notifyHandler struct {
	configuredValue uint8
	configured      bool
}

func (h *notifyHandler) HandleURB(setup SetupPacket, out []byte) ([]byte, error) {
	return []byte{0xAB}, nil
}
func (h *notifyHandler) Configured(value uint8) { h.configuredValue, h.configured = value, true }
func (h *notifyHandler) Reset()                 {}
func (h *notifyHandler) Suspend()               {}
func (h *notifyHandler) Resume()                {}

func TestSetConfigurationNotifiesDeviceHandler(t *testing.T) {
	handler := &notifyHandler{}
	d := testDevice().WithDeviceHandler(handler)

	data, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionOut | RequestRecipientDevice,
		Request:     ReqSetConfiguration,
		Value:       1,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, handler.configured)
	assert.EqualValues(t, 1, handler.configuredValue)

	data, err = d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestRecipientDevice,
		Request:     ReqGetConfiguration,
		Length:      1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)
}

func TestVendorRequestRoutedToDeviceHandler(t *testing.T) {
	handler := &notifyHandler{}
	d := testDevice().WithDeviceHandler(handler)

	data, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeVendor | RequestRecipientDevice,
		Request:     0x42,
		Length:      1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB}, data)
}

func TestVendorRequestWithoutDeviceHandlerStalls(t *testing.T) {
	d := testDevice()
	_, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeVendor | RequestRecipientDevice,
		Request:     0x42,
	}, nil)
	assert.ErrorIs(t, err, ErrStall)
}

func TestInterfaceRecipientRoutedToHandler(t *testing.T) {
	handler := &loopHandler{inData: []byte{0x11}}
	d := NewDevice(0).WithInterface(ClassCodeVendorSpecific, 0, 0, "", nil, handler)

	data, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeClass | RequestRecipientInterface,
		Request:     0x01,
		Index:       0, // interface 0
		Length:      1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11}, data)

	// unknown interface stalls
	_, err = d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeClass | RequestRecipientInterface,
		Index:       7,
	}, nil)
	assert.ErrorIs(t, err, ErrStall)
}

func TestGetInterfaceReportsNoAlternates(t *testing.T) {
	d := testDevice()
	data, err := d.handleControl(SetupPacket{
		RequestType: RequestDirectionIn | RequestRecipientInterface,
		Request:     ReqGetInterface,
		Length:      1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, data)
}
