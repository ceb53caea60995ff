package usbip

import "fmt"

// From https://www.usb.org/defined-class-codes

type (
	ClassCode uint8
	SubClass  uint8
)

func (code ClassCode) String() string {
	if codeString, exist := classCodeMap[code]; exist {
		return codeString
	}
	return fmt.Sprintf("Unknown(%.2X)", uint8(code))
}

// Both device and interface class codes
const (
	ClassCodePerInterface   = ClassCode(0x00)
	ClassCodeCDCControl     = ClassCode(0x02)
	ClassCodeDiagnostic     = ClassCode(0xDC)
	ClassCodeMisc           = ClassCode(0xEF)
	ClassCodeVendorSpecific = ClassCode(0xFF)
)

// Interface class codes
const (
	ClassCodeInterfaceAudio       = ClassCode(0x01)
	ClassCodeInterfaceHID         = ClassCode(0x03)
	ClassCodeInterfacePrinter     = ClassCode(0x07)
	ClassCodeInterfaceMassStorage = ClassCode(0x08)
	ClassCodeInterfaceCDCData     = ClassCode(0x0A)
	ClassCodeInterfaceSmartCard   = ClassCode(0x0B)
	ClassCodeInterfaceVideo       = ClassCode(0x0E)
)

// Device class codes
const (
	ClassCodeDeviceHub       = ClassCode(0x09)
	ClassCodeDeviceBillBoard = ClassCode(0x11)
)

var (
	classCodeMap = map[ClassCode]string{
		ClassCodePerInterface:         "UseInterfaceDescriptors",
		ClassCodeInterfaceAudio:       "InterfaceAudio",
		ClassCodeInterfaceHID:         "InterfaceHID",
		ClassCodeInterfacePrinter:     "InterfacePrinter",
		ClassCodeInterfaceMassStorage: "InterfaceMassStorage",
		ClassCodeInterfaceCDCData:     "InterfaceCDCData",
		ClassCodeInterfaceSmartCard:   "InterfaceSmartCard",
		ClassCodeInterfaceVideo:       "InterfaceVideo",
		ClassCodeDeviceHub:            "DeviceHub",
		ClassCodeDeviceBillBoard:      "DeviceBillBoard",
		ClassCodeCDCControl:           "CDCControl",
		ClassCodeDiagnostic:           "Diagnostic",
		ClassCodeMisc:                 "Misc",
		ClassCodeVendorSpecific:       "VendorSpecific",
	}
)
