package main

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/qubes-os/qrexec/protocol"
)

var errRawMismatch = errors.New("raw stdin payload mismatch")
var errUnexpectedHeaderType = errors.New("unexpected client header type")

// TestRunStreamsRawBytesToDaemonSocket guards against the client framing
// its stdin as INPUT messages: the daemon expects raw bytes on this socket
// after the single initial request header (spec §2/§4.2), and an EOF as a
// half-close rather than a CLIENT_END message.
func TestRunStreamsRawBytesToDaemonSocket(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("unix", filepath.Join(dir, "qrexec.target"))
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	srvErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		accepted <- conn

		hdr, err := protocol.ReadClientHeader(conn)
		if err != nil {
			srvErr <- err
			return
		}
		if hdr.Type != protocol.MsgExecCmdline {
			srvErr <- errUnexpectedHeaderType
			return
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			srvErr <- err
			return
		}

		raw, err := io.ReadAll(conn)
		if err != nil {
			srvErr <- err
			return
		}
		if string(raw) != "hello stdin" {
			srvErr <- errRawMismatch
			return
		}

		if err := protocol.WriteClientFrame(conn, protocol.MsgExitCode, []byte{0, 0, 0, 0}); err != nil {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	code, err := run(Cmd{Domain: "target", SocketDir: dir, LocalProgram: "printf 'hello stdin'"}, "qubes.Test")
	require.NoError(t, err)
	require.Equal(t, int32(0), code)

	require.NoError(t, <-srvErr)
	(<-accepted).Close()
}

func TestRunVMLocalWritesTriggerRecordToPipe(t *testing.T) {
	pipePath := filepath.Join(t.TempDir(), "qrexec_agent")
	require.NoError(t, unix.Mkfifo(pipePath, 0600))

	read := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(pipePath, os.O_RDONLY, 0)
		if err != nil {
			readErr <- err
			return
		}
		defer f.Close()
		buf := make([]byte, protocol.TriggerRecordSize)
		if _, err := io.ReadFull(f, buf); err != nil {
			readErr <- err
			return
		}
		read <- buf
	}()

	err := runVMLocal(Cmd{TargetVM: "work", TriggerPipe: pipePath, Ident: "3 4 5"}, "qubes.Filecopy")
	require.NoError(t, err)

	select {
	case buf := <-read:
		rec, err := protocol.UnmarshalTriggerRecord(buf)
		require.NoError(t, err)
		require.Equal(t, protocol.TriggerRecord{Service: "qubes.Filecopy", TargetVM: "work", Ident: "3 4 5"}, rec)
	case err := <-readErr:
		t.Fatalf("reading trigger pipe: %v", err)
	}
}
