package usbfs

// From /usr/include/linux/usbdevice_fs.h

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

var (
	ctl_usbdevfs_control          = ioctl.IOWR('U', 0, unsafe.Sizeof(usbdevfs_ctrltransfer{}))
	ctl_usbdevfs_bulk             = ioctl.IOWR('U', 2, unsafe.Sizeof(usbdevfs_bulktransfer{}))
	ctl_usbdevfs_setinterface     = ioctl.IOR('U', 4, unsafe.Sizeof(usbdevfs_setinterface{}))
	ctl_usbdevfs_setconfiguration = ioctl.IOR('U', 5, unsafe.Sizeof(uint32(0)))
	ctl_usbdevfs_getdriver        = ioctl.IOW('U', 8, unsafe.Sizeof(usbdevfs_getdriver{}))
	ctl_usbdevfs_claiminterface   = ioctl.IOR('U', 15, unsafe.Sizeof(uint32(0)))
	ctl_usbdevfs_releaseinterface = ioctl.IOR('U', 16, unsafe.Sizeof(uint32(0)))
	ctl_usbdevfs_ioctl            = ioctl.IOWR('U', 18, unsafe.Sizeof(usbdevfs_ioctl{}))
	ctl_usbdevfs_reset            = ioctl.IO('U', 20)
	ctl_usbdevfs_clear_halt       = ioctl.IOR('U', 21, unsafe.Sizeof(uint32(0)))
	ctl_usbdevfs_disconnect       = ioctl.IO('U', 22)
	ctl_usbdevfs_connect          = ioctl.IO('U', 23)
	ctl_usbdevfs_get_speed        = ioctl.IO('U', 31)
)

const nUSBDEVFS_MAXDRIVERNAME = 255

type (
	usbdevfs_ctrltransfer struct {
		RequestType uint8
		Request     uint8
		Value       uint16
		Index       uint16
		Length      uint16
		Timeout     uint32
		Data        uintptr
	}

	usbdevfs_bulktransfer struct {
		Endpoint uint32
		Length   uint32
		Timeout  uint32
		Data     uintptr
	}

	usbdevfs_setinterface struct {
		Interface  uint32
		AltSetting uint32
	}

	usbdevfs_getdriver struct {
		Interface uint32
		Driver    [nUSBDEVFS_MAXDRIVERNAME + 1]byte
	}

	usbdevfs_ioctl struct {
		Interface int32
		IoctlCode int32
		Data      uintptr
	}
)

func (d *usbdevfs_getdriver) String() string {
	for i, x := range d.Driver {
		if x == 0 {
			return string(d.Driver[:i])
		}
	}
	return string(d.Driver[:])
}

func slicePtr(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}
