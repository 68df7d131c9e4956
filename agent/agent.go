package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qubes-os/qrexec/protocol"
	"github.com/qubes-os/qrexec/streambuf"
	"github.com/qubes-os/qrexec/vchan"
)

// Config is the agent's runtime configuration.
type Config struct {
	// DefaultUser is the account EXEC_CMDLINE/JUST_EXEC requests run
	// as when the daemon did not resolve a more specific one. The
	// original's "user:command" DEFAULT: rewrite happens on the daemon
	// side in this implementation (see DESIGN.md's Open Question
	// decision); this only backstops a cmdline that somehow reaches the
	// agent with an empty user field.
	DefaultUser string

	// MaxChildren is carried in the configuration but not read by the
	// agent: the number of concurrently running services is not bounded
	// here (the daemon's trigger-forking cap is separate).
	MaxChildren int

	// RPCMagic is the command-line token that, as the first word of the
	// command half of "user:command", requests dispatch through the RPC
	// multiplexer rather than direct execution (spec §4.4).
	RPCMagic string
	// MultiplexerPath is the binary substituted for RPCMagic.
	MultiplexerPath string

	// TriggerPipePath is the FIFO local tools write TriggerRecords to
	// (spec §6, "…/qrexec_agent").
	TriggerPipePath string
	// FdPassSocketPath is the Unix socket local tools connect to in
	// order to hand the agent pre-opened descriptors for
	// CONNECT_EXISTING (spec §6, "…/qrexec_agent_fdpass").
	FdPassSocketPath string
	// MeminfoPidFile holds the meminfo-writer's pid; the agent signals
	// it once on its first EXEC/JUST_EXEC (spec §4.4, §6).
	MeminfoPidFile string
}

// DefaultConfig returns the agent's configuration before any override.
func DefaultConfig() Config {
	return Config{
		DefaultUser:      "user",
		MaxChildren:      32,
		RPCMagic:         "QUBESRPC",
		MultiplexerPath:  "/usr/lib/qubes/qubes-rpc-multiplexer",
		TriggerPipePath:  "/var/run/qubes/qrexec_agent",
		FdPassSocketPath: "/var/run/qubes/qrexec_agent_fdpass",
		MeminfoPidFile:   "/var/run/meminfo-writer.pid",
	}
}

// Agent is a running qrexec-agent instance.
type Agent struct {
	cfg       Config
	log       *zap.SugaredLogger
	transport *vchan.Transport
	limiter   *streambuf.Limiter
	fdpass    *FdPassServer

	mu        sync.Mutex
	processes map[protocol.ClientID]*ProcessRecord
	gates     map[protocol.ClientID]*flowGate

	sigchld     chan os.Signal
	meminfoOnce sync.Once
}

// flowGate pauses a service's stdout/stderr pump while the daemon has
// sent XOFF for its client id, resuming as soon as XON arrives. Without
// this, the agent would keep forwarding output into a daemon outbound
// buffer that is already over its high watermark.
type flowGate struct {
	mu     sync.Mutex
	xoffed bool
	resume chan struct{}
}

func newFlowGate() *flowGate {
	return &flowGate{resume: make(chan struct{}, 1)}
}

func (g *flowGate) setXoff(v bool) {
	g.mu.Lock()
	g.xoffed = v
	g.mu.Unlock()
	if !v {
		select {
		case g.resume <- struct{}{}:
		default:
		}
	}
}

// wait blocks while the gate is closed, returning early if ctx is done.
func (g *flowGate) wait(ctx context.Context) {
	for {
		g.mu.Lock()
		xoffed := g.xoffed
		g.mu.Unlock()
		if !xoffed {
			return
		}
		select {
		case <-g.resume:
		case <-ctx.Done():
			return
		}
	}
}

// New wires an Agent from cfg and an already-attached transport. If
// cfg.FdPassSocketPath is set, it also stands up the fd-pass listener used
// by CONNECT_EXISTING (spec §6); a failure there is fatal since a broker
// that silently can't service reattachment requests is worse than one
// that refuses to start.
func New(cfg Config, log *zap.SugaredLogger, transport *vchan.Transport) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		log:       log,
		transport: transport,
		limiter:   streambuf.DefaultLimiter(),
		processes: make(map[protocol.ClientID]*ProcessRecord),
		gates:     make(map[protocol.ClientID]*flowGate),
		sigchld:   make(chan os.Signal, 1),
	}

	if cfg.FdPassSocketPath != "" {
		fp, err := NewFdPassServer(cfg.FdPassSocketPath, log)
		if err != nil {
			return nil, fmt.Errorf("agent: fd-pass socket: %w", err)
		}
		a.fdpass = fp
	}

	return a, nil
}

// Run pumps the transport, the trigger pipe, the fd-pass socket, and
// reaps children until ctx is canceled. SIGCHLD is funneled through a
// self-pipe (sigchld, a buffered channel rather than a literal pipe fd —
// the same "don't touch shared state from a signal handler" discipline,
// expressed with Go's signal.Notify instead of a volatile sig_atomic_t
// flag the original's qrexec_agent.c polls).
func (a *Agent) Run(ctx context.Context) error {
	signal.Notify(a.sigchld, syscall.SIGCHLD)
	defer signal.Stop(a.sigchld)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.transportLoop(ctx) })
	g.Go(func() error { return a.reapLoop(ctx) })
	if a.fdpass != nil {
		g.Go(func() error { return a.fdpass.Serve(ctx) })
	}
	if a.cfg.TriggerPipePath != "" {
		g.Go(func() error { return a.triggerPipeLoop(ctx) })
	}

	return g.Wait()
}

func (a *Agent) transportLoop(ctx context.Context) error {
	for {
		hdr, payload, err := protocol.ReadTransportFrame(ctx, a.transport)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: reading daemon transport: %w", err)
		}

		clientID := protocol.ClientID(hdr.ClientID)
		switch hdr.Type {
		case protocol.MsgExecCmdline, protocol.MsgJustExec:
			a.startService(clientID, string(payload), hdr.Type == protocol.MsgJustExec)
		case protocol.MsgConnectExisting:
			a.connectExisting(clientID, string(payload))
		case protocol.MsgInput:
			if len(payload) == 0 {
				// Zero-length INPUT is the local client's stdin-EOF marker
				// (spec §4.3), not a no-op write.
				a.closeStdin(clientID)
			} else {
				a.writeStdin(clientID, payload)
			}
		case protocol.MsgClientEnd:
			a.terminateClient(clientID)
		case protocol.MsgXoff:
			a.gate(clientID).setXoff(true)
		case protocol.MsgXon:
			a.gate(clientID).setXoff(false)
		default:
			a.log.Debugw("unexpected frame type from daemon", "type", hdr.Type, "client_id", clientID)
		}
	}
}

// gate returns clientID's flowGate, creating it on first use.
func (a *Agent) gate(clientID protocol.ClientID) *flowGate {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.gates[clientID]
	if !ok {
		g = newFlowGate()
		a.gates[clientID] = g
	}
	return g
}

// buildArgv splits "user:command" into an su invocation, replacing the
// command with the RPC multiplexer when it is prefixed by the configured
// RPC magic, mirroring do_exec in qrexec_agent.c. An empty user falls
// back to cfg.DefaultUser as a backstop for the DEFAULT: rewrite, which
// normally already happened on the daemon side.
func (a *Agent) buildArgv(cmdline string) ([]string, error) {
	idx := strings.IndexByte(cmdline, ':')
	if idx < 0 {
		return nil, fmt.Errorf("cmdline %q is missing the user:command separator", cmdline)
	}
	user := cmdline[:idx]
	if user == "" {
		user = a.cfg.DefaultUser
	}
	realCmd := cmdline[idx+1:]

	magicPrefix := a.cfg.RPCMagic + " "
	if strings.HasPrefix(realCmd, magicPrefix) {
		realCmd = a.cfg.MultiplexerPath + realCmd[len(a.cfg.RPCMagic):]
	}

	return []string{"/bin/su", "-", user, "-c", realCmd}, nil
}

// startService spawns the service named by cmdline for clientID and
// begins pumping its stdio. justExec means the service's stdout and
// stderr are read and discarded instead of forwarded (JUST_EXEC). Its exit
// status is still reported: reapLoop sends EXIT_CODE for a JUST_EXEC
// service like for any other spawned one.
func (a *Agent) startService(clientID protocol.ClientID, cmdline string, justExec bool) {
	a.wakeMeminfoWriter()

	argv, err := a.buildArgv(cmdline)
	if err != nil {
		a.log.Warnw("malformed cmdline", "client_id", clientID, "cmdline", cmdline, "error", err)
		a.sendExitCode(clientID, -1)
		return
	}
	env := append(os.Environ(), "QREXEC_REMOTE_DOMAIN=dom0")

	proc, err := Spawn(clientID, argv, env, a.limiter)
	if err != nil {
		a.log.Warnw("failed to spawn service", "client_id", clientID, "error", err)
		a.sendExitCode(clientID, -1)
		return
	}

	a.mu.Lock()
	a.processes[clientID] = proc
	a.mu.Unlock()

	if justExec {
		go func() {
			io.Copy(io.Discard, proc.Stdout())
			proc.markStdoutClosed()
		}()
		go func() {
			io.Copy(io.Discard, proc.Stderr())
			proc.markStderrClosed()
		}()
		return
	}

	gate := a.gate(clientID)

	go func() {
		pumpOutput(proc.Stdout(), func(p []byte) error {
			gate.wait(context.Background())
			return protocol.WriteTransportFrame(context.Background(), a.transport,
				protocol.TransportHeader{Type: protocol.MsgStdout, ClientID: uint32(clientID), Length: uint32(len(p))}, p)
		}, a.log)
		proc.markStdoutClosed()
	}()
	go func() {
		pumpOutput(proc.Stderr(), func(p []byte) error {
			gate.wait(context.Background())
			return protocol.WriteTransportFrame(context.Background(), a.transport,
				protocol.TransportHeader{Type: protocol.MsgStderr, ClientID: uint32(clientID), Length: uint32(len(p))}, p)
		}, a.log)
		proc.markStderrClosed()
	}()
	go a.flushStdinLoop(proc)
}

// flushStdinLoop periodically drains a process's buffered stdin. A ticker
// stands in for the original's poll()-driven "fd became writable" event;
// idiomatic Go would normally prefer a blocking write in its own
// goroutine, but stdin here is fed incrementally as INPUT frames arrive,
// so there is no single blocking write to launch.
func (a *Agent) flushStdinLoop(proc *ProcessRecord) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		done, err := proc.FlushStdin()
		if err != nil {
			return
		}
		if done {
			return
		}
	}
}

func (a *Agent) writeStdin(clientID protocol.ClientID, data []byte) {
	a.mu.Lock()
	proc, ok := a.processes[clientID]
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := proc.WriteStdin(data); err != nil {
		a.log.Errorw("stdin buffer limit exceeded, killing service", "client_id", clientID, "error", err)
		proc.Terminate()
	}
}

// connectExisting wires clientID to three connections previously
// registered over the fd-pass socket, named by ident as "id1 id2 id3"
// (stdin, stdout, stderr), instead of spawning a new child (spec §4.3).
func (a *Agent) connectExisting(clientID protocol.ClientID, ident string) {
	fields := strings.Fields(ident)
	if len(fields) != 3 || a.fdpass == nil {
		a.log.Warnw("malformed or unsupported connect-existing request", "client_id", clientID, "ident", ident)
		a.sendExitCode(clientID, -1)
		return
	}

	var ids [3]uint32
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			a.log.Warnw("connect-existing ident is not numeric", "client_id", clientID, "ident", ident, "error", err)
			a.sendExitCode(clientID, -1)
			return
		}
		ids[i] = uint32(n)
	}

	stdin, stdout, stderr, err := a.fdpass.TakeTriple(ids[0], ids[1], ids[2])
	if err != nil {
		a.log.Warnw("connect-existing fds not registered", "client_id", clientID, "ident", ident, "error", err)
		a.sendExitCode(clientID, -1)
		return
	}

	proc := NewExisting(clientID, stdin, stdout, stderr, a.limiter)

	a.mu.Lock()
	a.processes[clientID] = proc
	a.mu.Unlock()

	gate := a.gate(clientID)
	done := make(chan struct{}, 2)

	go func() {
		pumpOutput(proc.Stdout(), func(p []byte) error {
			gate.wait(context.Background())
			return protocol.WriteTransportFrame(context.Background(), a.transport,
				protocol.TransportHeader{Type: protocol.MsgStdout, ClientID: uint32(clientID), Length: uint32(len(p))}, p)
		}, a.log)
		proc.markStdoutClosed()
		done <- struct{}{}
	}()
	go func() {
		pumpOutput(proc.Stderr(), func(p []byte) error {
			gate.wait(context.Background())
			return protocol.WriteTransportFrame(context.Background(), a.transport,
				protocol.TransportHeader{Type: protocol.MsgStderr, ClientID: uint32(clientID), Length: uint32(len(p))}, p)
		}, a.log)
		proc.markStderrClosed()
		done <- struct{}{}
	}()
	go a.flushStdinLoop(proc)

	go func() {
		<-done
		<-done
		a.mu.Lock()
		delete(a.processes, clientID)
		delete(a.gates, clientID)
		a.mu.Unlock()
	}()
}

// wakeMeminfoWriter sends SIGUSR1 to the meminfo-writer process once, on
// the agent's first EXEC_CMDLINE/JUST_EXEC, per spec §4.4/§6.
func (a *Agent) wakeMeminfoWriter() {
	a.meminfoOnce.Do(func() {
		if a.cfg.MeminfoPidFile == "" {
			return
		}
		data, err := os.ReadFile(a.cfg.MeminfoPidFile)
		if err != nil {
			return
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return
		}
		_ = proc.Signal(syscall.SIGUSR1)
	})
}

func (a *Agent) closeStdin(clientID protocol.ClientID) {
	a.mu.Lock()
	proc, ok := a.processes[clientID]
	a.mu.Unlock()
	if ok {
		proc.CloseStdin()
	}
}

// terminateClient kills the service for clientID in response to CLIENT_END:
// the daemon has already given up on this client (e.g. its local socket
// write failed), so there is no peer left to deliver STDOUT/STDERR/EXIT_CODE
// to.
func (a *Agent) terminateClient(clientID protocol.ClientID) {
	a.mu.Lock()
	proc, ok := a.processes[clientID]
	a.mu.Unlock()
	if ok {
		proc.Terminate()
	}
}

func (a *Agent) sendExitCode(clientID protocol.ClientID, status int32) {
	payload := []byte{byte(status), byte(status >> 8), byte(status >> 16), byte(status >> 24)}
	_ = protocol.WriteTransportFrame(context.Background(), a.transport,
		protocol.TransportHeader{Type: protocol.MsgExitCode, ClientID: uint32(clientID), Length: uint32(len(payload))}, payload)
}

// reapLoop waits for SIGCHLD notifications and reaps every process whose
// exit status is not yet known, forwarding EXIT_CODE once a process's
// stdio has also fully drained.
func (a *Agent) reapLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.sigchld:
		}

		a.mu.Lock()
		pending := make([]*ProcessRecord, 0, len(a.processes))
		for _, p := range a.processes {
			if _, exited := p.Exited(); !exited {
				pending = append(pending, p)
			}
		}
		a.mu.Unlock()

		for _, p := range pending {
			go a.reapOne(p)
		}
	}
}

func (a *Agent) reapOne(proc *ProcessRecord) {
	status := proc.Wait()

	for !proc.Removable() {
		time.Sleep(5 * time.Millisecond)
	}
	a.sendExitCode(proc.ClientID, status)

	a.mu.Lock()
	delete(a.processes, proc.ClientID)
	delete(a.gates, proc.ClientID)
	a.mu.Unlock()
}
