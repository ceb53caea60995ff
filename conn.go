package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RET_SUBMIT status for a URB the device could not complete (-EPIPE).
const statusStalled = -32

var (
	opReqDevlistPrefix = [4]byte{0x01, 0x11, 0x80, 0x05}
	opReqImportPrefix  = [4]byte{0x01, 0x11, 0x80, 0x03}
	cmdSubmitPrefix    = [4]byte{0x00, 0x00, 0x00, 0x01}
	cmdUnlinkPrefix    = [4]byte{0x00, 0x00, 0x00, 0x02}
)

// Handler runs the per-connection state machine against conn until the
// remote closes the stream or a protocol or transport error occurs. It
// accepts any bidirectional byte stream, not only TCP.
//
// The loop parks at the pause gate before each command read, so
// AddDevice and RemoveDevice can quiesce every connection between URBs.
func (s *Server) Handler(conn io.ReadWriter) error {
	s.gate.add()
	defer s.gate.remove()

	var imported *Device
	for {
		s.gate.wait()

		var prefix [4]byte
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("remote closed the connection")
				return nil
			}
			return err
		}

		var err error
		switch prefix {
		case opReqDevlistPrefix:
			s.logger.Debug("OP_REQ_DEVLIST")
			err = s.opDevlist(conn)
		case opReqImportPrefix:
			s.logger.Debug("OP_REQ_IMPORT")
			imported, err = s.opImport(conn)
		case cmdSubmitPrefix:
			if imported == nil {
				return errors.New("CMD_SUBMIT before a successful import")
			}
			err = s.cmdSubmit(conn, prefix, imported)
		case cmdUnlinkPrefix:
			err = s.cmdUnlink(conn, prefix)
		default:
			s.logger.Warn("unknown command", "prefix", fmt.Sprintf("% x", prefix))
			return fmt.Errorf("unknown command % x", prefix)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) opDevlist(conn io.ReadWriter) error {
	var status uint32
	if err := binary.Read(conn, binary.BigEndian, &status); err != nil {
		return err
	}

	buf := bytes.Buffer{}
	header := OpHeader{Version: Version, Code: OpRepDevlist}
	_ = header.Encode(&buf)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(s.devices)))
	for _, dev := range s.devices {
		if err := dev.WriteSummaryWithInterfaces(&buf); err != nil {
			return err
		}
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

func (s *Server) opImport(conn io.ReadWriter) (*Device, error) {
	var status uint32
	if err := binary.Read(conn, binary.BigEndian, &status); err != nil {
		return nil, err
	}
	var busID [32]byte
	if _, err := io.ReadFull(conn, busID[:]); err != nil {
		return nil, err
	}

	var found *Device
	for _, dev := range s.devices {
		if pad32(dev.BusID) == busID {
			found = dev
			break
		}
	}

	buf := bytes.Buffer{}
	if found != nil {
		header := OpHeader{Version: Version, Code: OpRepImport}
		_ = header.Encode(&buf)
		if err := found.WriteSummary(&buf); err != nil {
			return nil, err
		}
		s.logger.Info("device imported", "busid", found.BusID, "path", found.Path)
	} else {
		header := OpHeader{Version: Version, Code: OpRepImport, Status: 1}
		_ = header.Encode(&buf)
		s.logger.Info("import miss", "busid", string(bytes.TrimRight(busID[:], "\x00")))
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Server) cmdSubmit(conn io.ReadWriter, prefix [4]byte, dev *Device) error {
	var raw [CmdSubmitSize]byte
	copy(raw[:], prefix[:])
	if _, err := io.ReadFull(conn, raw[4:]); err != nil {
		return err
	}
	cmd := &CmdSubmit{}
	if err := cmd.Decode(bytes.NewReader(raw[:])); err != nil {
		return err
	}

	var out []byte
	if cmd.Direction == DirOut && cmd.TransferBufferLength > 0 {
		out = make([]byte, cmd.TransferBufferLength)
		if _, err := io.ReadFull(conn, out); err != nil {
			return err
		}
	}

	data, err := dev.dispatchURB(cmd, out)

	ret := RetSubmit{
		HeaderBasic: HeaderBasic{Command: RetSubmitCode, SeqNum: cmd.SeqNum},
	}
	switch {
	case err == nil:
		if cmd.Direction == DirOut {
			ret.ActualLength = cmd.TransferBufferLength
			data = nil
		} else {
			ret.ActualLength = uint32(len(data))
		}
	default:
		var panicErr *handlerPanicError
		if errors.As(err, &panicErr) {
			return panicErr
		}
		s.logger.Debug("urb failed", "seq", cmd.SeqNum, "ep", cmd.Endpoint, "err", err)
		ret.Status = statusStalled
		data = nil
	}

	buf := bytes.Buffer{}
	_ = ret.Encode(&buf)
	buf.Write(data)
	_, err = conn.Write(buf.Bytes())
	return err
}

func (s *Server) cmdUnlink(conn io.ReadWriter, prefix [4]byte) error {
	var raw [CmdUnlinkSize]byte
	copy(raw[:], prefix[:])
	if _, err := io.ReadFull(conn, raw[4:]); err != nil {
		return err
	}
	cmd := &CmdUnlink{}
	if err := cmd.Decode(bytes.NewReader(raw[:])); err != nil {
		return err
	}
	s.logger.Debug("CMD_UNLINK", "seq", cmd.SeqNum, "submit", cmd.SeqNumSubmit)

	// URBs are processed synchronously per connection, so the submit
	// being unlinked has already completed; acknowledge only.
	ret := RetUnlink{
		HeaderBasic: HeaderBasic{Command: RetUnlinkCode, SeqNum: cmd.SeqNum},
	}
	buf := bytes.Buffer{}
	_ = ret.Encode(&buf)
	_, err := conn.Write(buf.Bytes())
	return err
}
