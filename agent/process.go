// Package agent implements qrexec-agent: the VM-side process that spawns
// requested services, pumps their stdio over the vchan Transport to the
// daemon, and reports their exit status. Grounded in original_source
// qrexec/qrexec_agent.c.
package agent

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/protocol"
	"github.com/qubes-os/qrexec/streambuf"
)

// ProcessRecord is the agent-side bookkeeping for one spawned service: its
// client id on the transport, its *os.Process, and the pipes wired to its
// stdio. It is removed from the agent's table only once stdout and stderr
// are both closed and the exit status has been collected (see Removable);
// the state of stdin does not delay removal.
type ProcessRecord struct {
	ClientID protocol.ClientID
	Cmd      *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu             sync.Mutex
	stdinBuf       *streambuf.Buffer
	stdoutClosed   bool
	stderrClosed   bool
	exited         bool
	exitStatus     int32
	closeAfterFlush bool
}

// NewExisting wires a ProcessRecord to three already-open streams handed
// in via the fd-pass socket, for CONNECT_EXISTING (spec §4.3): there is no
// child to fork or reap, so the exit status is fixed at 0 immediately,
// matching the original's "is_exited = true, no child" treatment of a
// reattached session.
func NewExisting(clientID protocol.ClientID, stdin io.WriteCloser, stdout, stderr io.ReadCloser, limiter *streambuf.Limiter) *ProcessRecord {
	return &ProcessRecord{
		ClientID:   clientID,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		stdinBuf:   streambuf.New(limiter),
		exited:     true,
		exitStatus: 0,
	}
}

// Terminate ends the service backing this record: it kills the child
// process if one was spawned, or simply closes the wired streams for a
// CONNECT_EXISTING record.
func (p *ProcessRecord) Terminate() {
	if p.Cmd != nil && p.Cmd.Process != nil {
		_ = p.Cmd.Process.Kill()
		return
	}
	p.stdin.Close()
	p.stdout.Close()
	p.stderr.Close()
}

// Spawn starts argv[0] with the given argv and environment, wiring fresh
// pipes for stdin/stdout/stderr. Stdin writes are buffered against
// limiter so a slow or stuck child cannot make the agent block.
func Spawn(clientID protocol.ClientID, argv []string, env []string, limiter *streambuf.Limiter) (*ProcessRecord, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent: empty argv for client %d", clientID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: starting %q: %w", argv[0], err)
	}

	return &ProcessRecord{
		ClientID: clientID,
		Cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		stdinBuf: streambuf.New(limiter),
	}, nil
}

// WriteStdin queues p for delivery to the child's stdin. It never blocks;
// a background flusher (started by the agent's dispatch loop) drains the
// buffer as the child accepts input, matching write_stdin.c's buffered
// non-blocking writes.
func (p *ProcessRecord) WriteStdin(data []byte) error {
	return p.stdinBuf.Append(data)
}

// CloseStdin marks that no more stdin will be queued; once the buffer
// drains, the flusher closes the underlying pipe, signaling EOF to the
// child exactly as CLIENT_END does in the original.
func (p *ProcessRecord) CloseStdin() {
	p.mu.Lock()
	p.closeAfterFlush = true
	p.mu.Unlock()
}

// FlushStdin drains as much of the buffered stdin as the child will
// accept without blocking the caller for long; it is meant to be called
// from the agent's own I/O goroutine whenever the child's stdin pipe
// becomes writable. It returns true once stdin is fully flushed and
// closed.
func (p *ProcessRecord) FlushStdin() (done bool, err error) {
	for p.stdinBuf.Len() > 0 {
		data := p.stdinBuf.Peek()
		n, werr := p.stdin.Write(data)
		if n > 0 {
			p.stdinBuf.Drain(n)
		}
		if werr != nil {
			return true, werr
		}
	}

	p.mu.Lock()
	shouldClose := p.closeAfterFlush
	p.mu.Unlock()
	if shouldClose {
		return true, p.stdin.Close()
	}
	return false, nil
}

// pumpOutput copies data read from src in MaxChunk-sized pieces to sink,
// returning once src hits EOF or an error. Used for both stdout and
// stderr, mirroring how the original treats both streams identically
// apart from the frame type tagging them.
func pumpOutput(src io.Reader, sink func([]byte) error, log *zap.SugaredLogger) {
	r := bufio.NewReaderSize(src, protocol.MaxChunk)
	buf := make([]byte, protocol.MaxChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := sink(buf[:n]); serr != nil {
				log.Debugw("output sink failed", "error", serr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Wait blocks until the child exits and records its status. Spawn's
// caller is expected to run Wait in its own goroutine (the agent's
// self-pipe dispatcher), never on the I/O goroutines, so a child that
// never exits cannot stall stdio pumping.
func (p *ProcessRecord) Wait() int32 {
	err := p.Cmd.Wait()
	status := int32(0)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = int32(exitErr.ExitCode())
		} else {
			status = -1
		}
	}

	p.mu.Lock()
	p.exited = true
	p.exitStatus = status
	p.mu.Unlock()

	return status
}

// Exited reports whether the child's exit status has been collected.
func (p *ProcessRecord) Exited() (status int32, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.exited
}

// Removable reports whether this record is done: exit status known and
// both stdout and stderr closed. Stdin is not checked.
func (p *ProcessRecord) Removable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited && p.stdoutClosed && p.stderrClosed
}

func (p *ProcessRecord) markStdoutClosed() {
	p.mu.Lock()
	p.stdoutClosed = true
	p.mu.Unlock()
}

func (p *ProcessRecord) markStderrClosed() {
	p.mu.Lock()
	p.stderrClosed = true
	p.mu.Unlock()
}

// Stdout and Stderr expose the child's output pipes for the agent's
// dispatch loop to pump from.
func (p *ProcessRecord) Stdout() io.ReadCloser { return p.stdout }
func (p *ProcessRecord) Stderr() io.ReadCloser { return p.stderr }
