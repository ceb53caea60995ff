package usbip

type (
	// InterfaceHandler implements the behaviour of a single interface,
	// either a virtual device class or a host passthrough.
	//
	// HandleURB receives the full endpoint (direction bit included), the
	// parsed setup packet for control traffic, and the OUT payload. For
	// IN endpoints the returned bytes are delivered to the client and
	// their length is authoritative; for OUT endpoints the handler
	// consumes out and returns nil. The dispatcher holds the interface
	// lock for the duration of the call, so implementations never see
	// concurrent URBs.
	//
	// Handlers signal a stall by returning ErrStall (or any other error);
	// the connection survives and replies with a non-zero status.
	InterfaceHandler interface {
		HandleURB(ep Endpoint, setup SetupPacket, out []byte) ([]byte, error)

		// Reset returns the handler to its post-enumeration state.
		Reset()
	}

	// DeviceHandler optionally extends a device with device-scope
	// class/vendor control handling and lifecycle notifications. A
	// handler instance belongs to exactly one device.
	DeviceHandler interface {
		HandleURB(setup SetupPacket, out []byte) ([]byte, error)

		// Configured is called after a SET_CONFIGURATION request.
		Configured(value uint8)

		Reset()
		Suspend()
		Resume()
	}
)
