package main

import (
	"log/slog"
	"os"
	"time"

	usbip "github.com/daedaluz/gousbip"
	"github.com/daedaluz/gousbip/cdc"
)

// Exports a simulated serial port that prints a heartbeat line once a
// second. Attach with: usbip attach -r <host> -b 0
func main() {
	dev, acm := cdc.NewSerialDevice(0, "gousbip serial")
	server := usbip.NewSimulated(dev)

	go func() {
		for range time.Tick(time.Second) {
			acm.Send([]byte("hello from gousbip\r\n"))
		}
	}()

	if err := usbip.ListenAndServe("", server); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}
