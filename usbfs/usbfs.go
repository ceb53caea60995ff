// Package usbfs issues USBDEVFS ioctls against /dev/bus/usb device nodes.
// It is the transport of the host-passthrough backend.
package usbfs

import (
	"fmt"
	"syscall"
	"unsafe"
)

const (
	usbDevPath = "/dev/bus/usb"
)

func OpenDevice(busNumber, deviceNumber int) (int, error) {
	devPath := fmt.Sprintf("%s/%.3d/%.3d", usbDevPath, busNumber, deviceNumber)
	fd, err := syscall.Open(devPath, syscall.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func GetDriver(fd int, iface uint32) (string, error) {
	data := &usbdevfs_getdriver{
		Interface: iface,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_getdriver), uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return data.String(), nil
	}
	return "", e
}

func SetInterface(fd int, iface, setting uint32) error {
	data := &usbdevfs_setinterface{
		Interface:  iface,
		AltSetting: setting,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_setinterface), uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func SetConfiguration(fd int, value uint32) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_setconfiguration), uintptr(unsafe.Pointer(&value)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ClaimInterface(fd int, iface uint32) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_claiminterface), uintptr(unsafe.Pointer(&iface)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ReleaseInterface(fd int, iface uint32) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_releaseinterface), uintptr(unsafe.Pointer(&iface)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

// Disconnect detaches the kernel driver bound to an interface.
func Disconnect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{
		Interface: int32(iface),
		IoctlCode: int32(ctl_usbdevfs_disconnect),
		Data:      0,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_ioctl), uintptr(unsafe.Pointer(&data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

// Connect re-attaches the kernel driver to an interface.
func Connect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{
		Interface: int32(iface),
		IoctlCode: int32(ctl_usbdevfs_connect),
		Data:      0,
	}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_ioctl), uintptr(unsafe.Pointer(&data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ControlTransfer(fd int, typ uint8, request uint8, value uint16, index uint16, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_ctrltransfer{
		RequestType: typ,
		Request:     request,
		Value:       value,
		Index:       index,
		Timeout:     timeout,
	}
	if len(payload) > 0 {
		data.Length = uint16(len(payload))
		data.Data = slicePtr(payload)
	}
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_control), uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return int(x), e
}

func BulkTransfer(fd int, endpoint uint32, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_bulktransfer{
		Endpoint: endpoint,
		Timeout:  timeout,
	}
	if len(payload) > 0 {
		data.Length = uint32(len(payload))
		data.Data = slicePtr(payload)
	}
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_bulk), uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return int(x), e
}

func ClearHalt(fd int, endpoint uint32) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_clear_halt), uintptr(unsafe.Pointer(&endpoint)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ResetDevice(fd int) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_reset), uintptr(0))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

// GetSpeed returns the negotiated device speed as the kernel enumerates
// speeds (1 = low .. 6 = super+).
func GetSpeed(fd int) (int, error) {
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctl_usbdevfs_get_speed), uintptr(0))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return 0, e
}
