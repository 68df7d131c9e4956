// Package protocol implements the framed message protocol layered over the
// vchan transport (daemon <-> agent) and over the local client socket
// (client <-> daemon), per spec §4.2 and the wire layout of §6.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxChunk is the largest payload a single frame may carry.
const MaxChunk = 4096

// MaxFDs bounds client_id: the daemon's IDAllocator hands out ids in
// [1, MaxFDs].
const MaxFDs = 256

// ClientID identifies one client's request across both the local
// daemon<->client socket and the daemon<->agent transport. It is shared
// between the daemon and agent packages so neither has to import the
// other just to name the other side's identifier.
type ClientID uint32

// MessageType identifies a frame's semantics. Values intentionally line up
// with the original qrexec.h enum so wire captures from either
// implementation read the same way.
type MessageType uint32

const (
	// Client -> Daemon, local socket.
	MsgExecCmdline MessageType = 0x100 + iota
	MsgJustExec
	MsgConnectExisting

	// Daemon -> Agent, transport (ConnectExisting/ExecCmdline/JustExec
	// reuse the three constants above; the wire encoding is identical,
	// only the direction/peer differs).
	MsgInput
	MsgClientEnd

	// Flow control, both transport directions.
	MsgXoff
	MsgXon

	// Agent -> Daemon, transport.
	MsgStdout
	MsgStderr
	MsgExitCode
	MsgTriggerConnectExisting

	// Daemon -> Client, local socket (Stdout/Stderr/ExitCode reuse the
	// agent-facing constants above).
)

func (t MessageType) String() string {
	switch t {
	case MsgExecCmdline:
		return "EXEC_CMDLINE"
	case MsgJustExec:
		return "JUST_EXEC"
	case MsgConnectExisting:
		return "CONNECT_EXISTING"
	case MsgInput:
		return "INPUT"
	case MsgClientEnd:
		return "CLIENT_END"
	case MsgXoff:
		return "XOFF"
	case MsgXon:
		return "XON"
	case MsgStdout:
		return "STDOUT"
	case MsgStderr:
		return "STDERR"
	case MsgExitCode:
		return "EXIT_CODE"
	case MsgTriggerConnectExisting:
		return "TRIGGER_CONNECT_EXISTING"
	default:
		return fmt.Sprintf("MessageType(0x%x)", uint32(t))
	}
}

// TransportHeader is the header shape used on the daemon<->agent transport:
// {type, client_id, length}, all little-endian u32.
type TransportHeader struct {
	Type     MessageType
	ClientID uint32
	Length   uint32
}

const TransportHeaderSize = 12

func (h TransportHeader) MarshalBinary() []byte {
	buf := make([]byte, TransportHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.ClientID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	return buf
}

func UnmarshalTransportHeader(buf []byte) (TransportHeader, error) {
	if len(buf) < TransportHeaderSize {
		return TransportHeader{}, fmt.Errorf("transport header: need %d bytes, got %d", TransportHeaderSize, len(buf))
	}
	return TransportHeader{
		Type:     MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		ClientID: binary.LittleEndian.Uint32(buf[4:8]),
		Length:   binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// ClientHeader is the header shape used on the local client<->daemon
// socket: {type, length}. No client_id — the socket itself is the identity.
type ClientHeader struct {
	Type   MessageType
	Length uint32
}

const ClientHeaderSize = 8

func (h ClientHeader) MarshalBinary() []byte {
	buf := make([]byte, ClientHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

func UnmarshalClientHeader(buf []byte) (ClientHeader, error) {
	if len(buf) < ClientHeaderSize {
		return ClientHeader{}, fmt.Errorf("client header: need %d bytes, got %d", ClientHeaderSize, len(buf))
	}
	return ClientHeader{
		Type:   MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadClientHeader reads one ClientHeader from r using plain blocking I/O;
// used by the client CLI, where one header-sized short read is always
// acceptable to block on.
func ReadClientHeader(r io.Reader) (ClientHeader, error) {
	var buf [ClientHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ClientHeader{}, err
	}
	return UnmarshalClientHeader(buf[:])
}

// WriteClientFrame writes a complete {header, payload} client frame.
func WriteClientFrame(w io.Writer, typ MessageType, payload []byte) error {
	hdr := ClientHeader{Type: typ, Length: uint32(len(payload))}
	if _, err := w.Write(hdr.MarshalBinary()); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
