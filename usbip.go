// Package usbip implements a user-space server for the USB/IP protocol.
// It exports real USB devices attached to the host or virtual devices
// implemented in-process through the InterfaceHandler contract.
package usbip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// DefaultPort is the de-facto TCP port of the USB/IP protocol.
const DefaultPort = 3240

var (
	ErrBusIDExists      = errors.New("bus id already exported")
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrStall is returned by handlers and the control engine for
	// requests the device rejects. It maps to a non-zero RET_SUBMIT
	// status; the connection survives.
	ErrStall = errors.New("endpoint stalled")
)

// Server holds the exported device list and coordinates mutations across
// live client connections.
type Server struct {
	logger *slog.Logger

	mu      sync.Mutex // serializes AddDevice/RemoveDevice
	devices []*Device
	gate    *pauseGate
}

// NewSimulated creates a server exporting the given simulated devices.
func NewSimulated(devices ...*Device) *Server {
	return &Server{
		logger:  slog.Default(),
		devices: devices,
		gate:    newPauseGate(),
	}
}

// SetLogger replaces the server logger. Call before Serve.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Devices returns a snapshot of the exported device list.
func (s *Server) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]*Device, len(s.devices))
	copy(devices, s.devices)
	return devices
}

// AddDevice exports an additional device. All socket communication is
// quiesced for the duration of the mutation. Adding a bus id that is
// already exported is an error.
func (s *Server) AddDevice(d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.devices {
		if existing.BusID == d.BusID {
			return ErrBusIDExists
		}
	}
	s.gate.pause()
	s.devices = append(s.devices, d)
	s.gate.resume()
	s.logger.Info("device added", "busid", d.BusID)
	return nil
}

// RemoveDevice stops exporting the device with the given bus id and
// releases its backend resources. Removing an unknown bus id is a no-op.
// All socket communication is quiesced for the duration of the mutation.
func (s *Server) RemoveDevice(busID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate.pause()
	devices := s.devices[:0]
	var removed []*Device
	for _, dev := range s.devices {
		if dev.BusID != busID {
			devices = append(devices, dev)
		} else {
			removed = append(removed, dev)
		}
	}
	s.devices = devices
	s.gate.resume()
	for _, dev := range removed {
		dev.close()
		s.logger.Info("device removed", "busid", dev.BusID)
	}
}

// Serve runs the accept loop on ln, spawning one independent handler
// goroutine per connection. It returns once the listener fails or is
// closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Info("client connected", "remote", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			if err := s.Handler(conn); err != nil {
				s.logger.Error("connection ended", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ListenAndServe binds a TCP listener at addr and runs the accept loop.
// An empty addr listens on every interface at DefaultPort.
func ListenAndServe(addr string, s *Server) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("usbip server listening", "addr", ln.Addr())
	return s.Serve(ln)
}
