package usbip

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/daedaluz/gousbip/usbfs"
)

const (
	sysfsDeviceDir = "/sys/bus/usb/devices"

	// milliseconds, for passthrough control and bulk transfers
	transferTimeout = 1000
)

// FromHost exports every device attached to the host, relaying all USB
// transfers through usbfs. Devices that cannot be parsed or opened are
// skipped with a warning.
func FromHost() (*Server, error) {
	return FromHostWithFilter(nil)
}

// FromHostWithFilter exports the host devices accepted by filter. A nil
// filter accepts every device.
func FromHostWithFilter(filter func(*Device) bool) (*Server, error) {
	dirs, err := os.ReadDir(sysfsDeviceDir)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	devices := make([]*Device, 0, len(dirs))
	for _, dir := range dirs {
		name := dir.Name()
		// interfaces contain ':', root hubs start with "usb"
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		dev, err := deviceFromSysfs(name)
		if err != nil {
			logger.Warn("cannot share device", "busid", name, "err", err)
			continue
		}
		if filter != nil && !filter(dev) {
			continue
		}
		if err := attachHostHandlers(logger, dev); err != nil {
			logger.Warn("cannot open device", "busid", name, "err", err)
			continue
		}
		devices = append(devices, dev)
	}
	return NewSimulated(devices...), nil
}

func readSysfsAttr(devName, attrName string) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attrName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsAttrInt(devName, attrName string) (int, error) {
	strData, err := readSysfsAttr(devName, attrName)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strData, 10, 64)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

var sysfsSpeedMap = map[string]Speed{
	"1.5":   SpeedLow,
	"12":    SpeedFull,
	"480":   SpeedHigh,
	"5000":  SpeedSuper,
	"10000": SpeedSuperPlus,
	"20000": SpeedSuperPlus,
}

// deviceFromSysfs builds the device model from the binary descriptors
// attribute plus the busnum/devnum/speed and string attributes.
func deviceFromSysfs(devName string) (*Device, error) {
	busNum, err := readSysfsAttrInt(devName, "busnum")
	if err != nil {
		return nil, err
	}
	devNum, err := readSysfsAttrInt(devName, "devnum")
	if err != nil {
		return nil, err
	}
	descriptors, err := os.ReadFile(fmt.Sprintf("%s/%s/descriptors", sysfsDeviceDir, devName))
	if err != nil {
		return nil, err
	}

	dev := &Device{
		Path:    fmt.Sprintf("%s/%s", sysfsDeviceDir, devName),
		BusID:   devName,
		BusNum:  uint32(busNum),
		DevNum:  uint32(devNum),
		strings: []string{""},
	}
	if speed, err := readSysfsAttr(devName, "speed"); err == nil {
		dev.Speed = sysfsSpeedMap[speed]
	}
	if err := parseHostDescriptors(dev, descriptors); err != nil {
		return nil, err
	}

	if s, err := readSysfsAttr(devName, "manufacturer"); err == nil && s != "" {
		dev.IManufacturer = dev.NewString(s)
	}
	if s, err := readSysfsAttr(devName, "product"); err == nil && s != "" {
		dev.IProduct = dev.NewString(s)
	}
	if s, err := readSysfsAttr(devName, "serial"); err == nil && s != "" {
		dev.ISerialNumber = dev.NewString(s)
	}
	return dev, nil
}

// parseHostDescriptors walks the concatenated descriptor stream sysfs
// exposes. Only the first configuration is used and alternate interface
// settings are ignored; class-specific descriptors are kept verbatim so
// GET_DESCRIPTOR(CONFIGURATION) reproduces them.
func parseHostDescriptors(dev *Device, data []byte) error {
	var (
		current    *Interface
		haveConfig bool
		skipAlt    bool
	)
	for pos := 0; pos+2 <= len(data); {
		length := int(data[pos])
		if length < 2 || pos+length > len(data) {
			return fmt.Errorf("bad descriptor at offset %d", pos)
		}
		desc := data[pos : pos+length]
		pos += length

		switch DescriptorType(desc[1]) {
		case DescriptorTypeDevice:
			if length < 18 {
				return fmt.Errorf("short device descriptor")
			}
			dev.BcdUSB = binary.LittleEndian.Uint16(desc[2:4])
			dev.BDeviceClass = ClassCode(desc[4])
			dev.BDeviceSubClass = SubClass(desc[5])
			dev.BDeviceProtocol = desc[6]
			dev.EP0In = Endpoint{
				Address:       EndpointDirectionIn,
				Attributes:    uint8(TransferTypeControl),
				MaxPacketSize: uint16(desc[7]),
			}
			dev.EP0Out = Endpoint{
				Address:       EndpointDirectionOut,
				Attributes:    uint8(TransferTypeControl),
				MaxPacketSize: uint16(desc[7]),
			}
			dev.IDVendor = binary.LittleEndian.Uint16(desc[8:10])
			dev.IDProduct = binary.LittleEndian.Uint16(desc[10:12])
			dev.BcdDevice = binary.LittleEndian.Uint16(desc[12:14])
			dev.BNumConfigurations = desc[17]
		case DescriptorTypeConfig:
			if haveConfig {
				// additional configurations are not exported
				return nil
			}
			haveConfig = true
			if length >= 9 {
				dev.BConfigurationValue = desc[5]
			}
		case DescriptorTypeInterface:
			if length < 9 {
				continue
			}
			if desc[3] != 0 { // bAlternateSetting
				skipAlt = true
				continue
			}
			skipAlt = false
			current = &Interface{
				Class:    ClassCode(desc[5]),
				SubClass: SubClass(desc[6]),
				Protocol: desc[7],
			}
			dev.interfaces = append(dev.interfaces, current)
		case DescriptorTypeEndpoint:
			if current == nil || skipAlt || length < 7 {
				continue
			}
			current.Endpoints = append(current.Endpoints, Endpoint{
				Address:       desc[2],
				Attributes:    desc[3],
				MaxPacketSize: binary.LittleEndian.Uint16(desc[4:6]),
				Interval:      desc[6],
			})
		default:
			// class-specific descriptor: splice into the owning
			// interface verbatim
			if current != nil && !skipAlt {
				current.ClassDescriptors = append(current.ClassDescriptors, desc...)
			}
		}
	}
	return nil
}

// attachHostHandlers opens the usbfs node, detaches kernel drivers and
// claims every exported interface, then wires the passthrough handlers.
// The negotiated speed reported by usbfs overrides the sysfs-derived
// value.
func attachHostHandlers(logger *slog.Logger, dev *Device) error {
	fd, err := usbfs.OpenDevice(int(dev.BusNum), int(dev.DevNum))
	if err != nil {
		return err
	}
	host := &hostConn{fd: fd}
	for number, intf := range dev.interfaces {
		if driver, err := usbfs.GetDriver(fd, uint32(number)); err == nil && driver != "" {
			logger.Debug("detaching kernel driver",
				"busid", dev.BusID, "interface", number, "driver", driver)
			_ = usbfs.Disconnect(fd, uint32(number))
		}
		if err := usbfs.ClaimInterface(fd, uint32(number)); err == nil {
			host.claimed = append(host.claimed, uint32(number))
		} else {
			logger.Warn("cannot claim interface",
				"busid", dev.BusID, "interface", number, "err", err)
		}
		intf.handler = &HostInterfaceHandler{host: host, iface: uint8(number)}
	}
	if speed, err := usbfs.GetSpeed(fd); err == nil && Speed(speed) != SpeedUnknown {
		dev.Speed = Speed(speed)
	}
	dev.handler = &HostDeviceHandler{host: host}
	return nil
}

// hostConn is the shared usbfs file descriptor of one opened device. Its
// lock serializes transfers from the device handler and every interface
// handler.
type hostConn struct {
	mu      sync.Mutex
	fd      int
	claimed []uint32
}

// close releases every claimed interface, hands them back to their
// kernel drivers and closes the node.
func (c *hostConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, iface := range c.claimed {
		_ = usbfs.ReleaseInterface(c.fd, iface)
		_ = usbfs.Connect(c.fd, iface)
	}
	c.claimed = nil
	return syscall.Close(c.fd)
}

func (c *hostConn) control(setup SetupPacket, out []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if setup.RequestType.In() {
		buf := make([]byte, setup.Length)
		n, err := usbfs.ControlTransfer(c.fd, uint8(setup.RequestType), setup.Request,
			setup.Value, setup.Index, transferTimeout, buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	_, err := usbfs.ControlTransfer(c.fd, uint8(setup.RequestType), setup.Request,
		setup.Value, setup.Index, transferTimeout, out)
	return nil, err
}

// HostInterfaceHandler bridges URBs for one claimed interface to the
// usbfs transport.
type HostInterfaceHandler struct {
	host  *hostConn
	iface uint8
}

func (h *HostInterfaceHandler) HandleURB(ep Endpoint, setup SetupPacket, out []byte) ([]byte, error) {
	if ep.Number() == 0 {
		if setup.RequestType.Type() == RequestTypeStandard &&
			setup.RequestType.Recipient() == RequestRecipientEndpoint &&
			setup.Request == ReqClearFeature {
			// ENDPOINT_HALT: clear the halt on the real endpoint
			// instead of relaying the request
			h.host.mu.Lock()
			defer h.host.mu.Unlock()
			return nil, usbfs.ClearHalt(h.host.fd, uint32(setup.Index))
		}
		return h.host.control(setup, out)
	}
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	if ep.In() {
		buf := make([]byte, ep.MaxPacketSize)
		n, err := usbfs.BulkTransfer(h.host.fd, uint32(ep.Address), transferTimeout, buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	if len(out) == 0 {
		return nil, nil
	}
	_, err := usbfs.BulkTransfer(h.host.fd, uint32(ep.Address), transferTimeout, out)
	return nil, err
}

func (h *HostInterfaceHandler) Reset() {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	_ = usbfs.SetInterface(h.host.fd, uint32(h.iface), 0)
}

// HostDeviceHandler relays device-scope control requests and lifecycle
// notifications to the opened device.
type HostDeviceHandler struct {
	host *hostConn
}

func (h *HostDeviceHandler) HandleURB(setup SetupPacket, out []byte) ([]byte, error) {
	return h.host.control(setup, out)
}

func (h *HostDeviceHandler) Configured(value uint8) {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	_ = usbfs.SetConfiguration(h.host.fd, uint32(value))
}

func (h *HostDeviceHandler) Reset() {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	_ = usbfs.ResetDevice(h.host.fd)
}

func (h *HostDeviceHandler) Suspend() {}
func (h *HostDeviceHandler) Resume()  {}

// Close re-attaches kernel drivers and closes the usbfs node. The
// server calls it when the device is removed.
func (h *HostDeviceHandler) Close() error {
	return h.host.close()
}
