package agent

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/qubes-os/qrexec/protocol"
)

// triggerPipeLoop reads fixed-size TriggerRecords from cfg.TriggerPipePath
// (spec §6, "…/qrexec_agent") and relays each one upward to the daemon as
// a TRIGGER_CONNECT_EXISTING transport frame. The FIFO is reopened after
// every writer disconnects, since a FIFO delivers EOF once its last
// writer closes rather than staying open for the next one.
//
// Opening a FIFO read-only blocks until a writer attaches, which is not
// itself cancelable, so each round runs in its own goroutine; on ctx
// cancellation the loop unblocks a pending open by briefly attaching as a
// non-blocking writer itself, then waits for that round to finish.
func (a *Agent) triggerPipeLoop(ctx context.Context) error {
	path := a.cfg.TriggerPipePath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("agent: removing stale trigger pipe %q: %w", path, err)
	}
	if err := unix.Mkfifo(path, 0666); err != nil {
		return fmt.Errorf("agent: mkfifo %q: %w", path, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		roundErr := make(chan error, 1)
		go func() { roundErr <- a.readTriggerPipeOnce(path) }()

		select {
		case <-ctx.Done():
			a.unstickTriggerPipeOpen(path)
			<-roundErr
			return nil
		case err := <-roundErr:
			if err != nil {
				a.log.Warnw("trigger pipe read failed, reopening", "error", err)
			}
		}
	}
}

// unstickTriggerPipeOpen briefly opens path as a non-blocking writer so a
// goroutine parked in a blocking read-only open on the same FIFO returns,
// letting triggerPipeLoop's round goroutine observe ctx and exit instead
// of leaking forever.
func (a *Agent) unstickTriggerPipeOpen(path string) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	unix.Close(fd)
}

func (a *Agent) readTriggerPipeOnce(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening trigger pipe: %w", err)
	}
	defer f.Close()

	buf := make([]byte, protocol.TriggerRecordSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading trigger record: %w", err)
		}

		rec, err := protocol.UnmarshalTriggerRecord(buf)
		if err != nil {
			a.log.Warnw("malformed trigger record, dropping", "error", err)
			continue
		}

		payload := rec.MarshalBinary()
		hdr := protocol.TransportHeader{Type: protocol.MsgTriggerConnectExisting, Length: uint32(len(payload))}
		if err := protocol.WriteTransportFrame(context.Background(), a.transport, hdr, payload); err != nil {
			return fmt.Errorf("forwarding trigger to daemon: %w", err)
		}
	}
}
