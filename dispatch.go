package usbip

import "fmt"

// handlerPanicError marks a panic that escaped a handler. It terminates
// the connection instead of stalling the URB, so a broken handler can
// never poison the shared device list.
type handlerPanicError struct {
	value any
}

func (e *handlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// dispatchURB routes one CMD_SUBMIT to the control engine (endpoint zero)
// or to the interface owning the endpoint, and returns the IN payload.
//
// The wire header carries the endpoint number and the direction
// separately; the canonical endpoint address joins them again before the
// lookup.
func (d *Device) dispatchURB(cmd *CmdSubmit, out []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, &handlerPanicError{value: r}
		}
	}()

	address := uint8(cmd.Endpoint)
	if cmd.Direction == DirIn {
		address |= EndpointDirectionIn
	}

	ep, intf, err := d.FindEndpoint(address)
	if err != nil {
		return nil, err
	}
	setup := ParseSetup(cmd.Setup[:])
	if ep.Number() == 0 {
		return d.handleControl(setup, out)
	}
	return intf.handleURB(ep, setup, out)
}
