// Package daemon implements qrexec-daemon: the per-VM broker that
// accepts local client connections (qrexec-client, dom0 tools), forwards
// their requests to the VM's agent over a vchan Transport, and routes the
// agent's stdout/stderr/exit-code frames back to the right client.
// Grounded in original_source qrexec/qrexec_daemon.c.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qubes-os/qrexec/internal/netutil"
	"github.com/qubes-os/qrexec/protocol"
	"github.com/qubes-os/qrexec/streambuf"
	"github.com/qubes-os/qrexec/vchan"
)

// outboundHighWatermark is how much unwritten data a client's outbound
// queue may hold before the daemon sends XOFF upstream; lowWatermark is
// where it must drain back to before XON follows. This replaces the
// original's non-blocking-write-returns-EWOULDBLOCK signal with an
// explicit queue depth, which is the natural backpressure signal for a
// channel-fed writer goroutine.
const (
	outboundHighWatermark = 256 * 1024
	outboundLowWatermark  = 64 * 1024
)

// clientConn is the daemon-side state for one accepted client socket.
type clientConn struct {
	conn   net.Conn
	record *ClientRecord
	outBuf *streambuf.Buffer

	mu      sync.Mutex
	xoffed  bool
	wake    chan struct{}
	closeCh chan struct{}
	resume  chan struct{}
}

// Daemon is a running qrexec-daemon instance for a single VM.
type Daemon struct {
	cfg       Config
	log       *zap.SugaredLogger
	listener  *net.UnixListener
	transport *vchan.Transport
	ids       *IDAllocator
	limiter   *streambuf.Limiter
	triggers  *TriggerExecutor

	mu      sync.Mutex
	clients map[ClientID]*clientConn
}

// New wires a Daemon from cfg. It does not start listening; call Run.
func New(cfg Config, log *zap.SugaredLogger, transport *vchan.Transport, triggers *TriggerExecutor) (*Daemon, error) {
	socketPath := fmt.Sprintf("%s/qrexec.%d", cfg.SocketDir, cfg.DomainID)
	l, err := netutil.ListenUnix(socketPath, 0660)
	if err != nil {
		return nil, fmt.Errorf("daemon: listen on %q: %w", socketPath, err)
	}
	if cfg.DomainName != "" {
		linkPath := fmt.Sprintf("%s/qrexec.%s", cfg.SocketDir, cfg.DomainName)
		if err := netutil.Symlink(fmt.Sprintf("qrexec.%d", cfg.DomainID), linkPath); err != nil {
			l.Close()
			return nil, err
		}
	}

	return &Daemon{
		cfg:       cfg,
		log:       log,
		listener:  l,
		transport: transport,
		ids:       NewIDAllocator(ClientID(protocol.MaxFDs), cfg.ClientIDQuarantine),
		limiter:   streambuf.DefaultLimiter(),
		triggers:  triggers,
		clients:   make(map[ClientID]*clientConn),
	}, nil
}

// Run accepts client connections and pumps the agent transport until ctx
// is canceled, returning the first error encountered by either loop.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		d.listener.Close()
		return nil
	})
	g.Go(func() error {
		return d.acceptLoop(ctx)
	})
	g.Go(func() error {
		return d.transportLoop(ctx)
	})

	return g.Wait()
}

// HandleTrigger processes one TRIGGER_CONNECT_EXISTING request relayed by
// the agent over the transport (spec §4.2, §4.4): a VM-local caller, via
// the agent's trigger pipe, asking to reattach to an already-running
// service instance rather than starting a new one. On success it issues a
// CONNECT_EXISTING request back to the agent under a freshly allocated
// client id and returns that id.
func (d *Daemon) HandleTrigger(ctx context.Context, rec protocol.TriggerRecord) (ClientID, error) {
	clean := rec.Sanitized()

	if d.triggers == nil {
		return 0, fmt.Errorf("daemon: trigger received but no policy executor is configured")
	}
	if err := d.triggers.Trigger(ctx, 0, d.cfg.DomainName, clean.TargetVM, clean.Service, clean.Ident); err != nil {
		return 0, err
	}

	id, err := d.ids.Acquire()
	if err != nil {
		return 0, err
	}

	payload := []byte(clean.Ident)
	hdr := protocol.TransportHeader{Type: protocol.MsgConnectExisting, ClientID: uint32(id), Length: uint32(len(payload))}
	if err := d.forwardToAgent(hdr, payload); err != nil {
		d.ids.Release(id)
		return 0, err
	}
	return id, nil
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go d.handleClient(ctx, conn)
	}
}

func (d *Daemon) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	hdr, err := protocol.ReadClientHeader(conn)
	if err != nil {
		d.log.Debugw("client disconnected before sending a request", "error", err)
		return
	}

	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := readFull(conn, payload); err != nil {
			d.log.Debugw("client disconnected mid-request", "error", err)
			return
		}
	}

	id, err := d.ids.Acquire()
	if err != nil {
		d.log.Warnw("rejecting client, id space exhausted", "error", err)
		return
	}
	defer d.ids.Release(id)

	record := newClientRecord(id)
	record.setState(ClientAwaitCmdline)
	record.Ident = string(payload)

	if hdr.Type == protocol.MsgExecCmdline || hdr.Type == protocol.MsgJustExec {
		payload = resolveDefaultUser(payload, d.cfg.DefaultUser)
		hdr.Length = uint32(len(payload))
	}

	cc := &clientConn{
		conn:    conn,
		record:  record,
		outBuf:  streambuf.New(d.limiter),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		resume:  make(chan struct{}, 1),
	}

	d.mu.Lock()
	d.clients[id] = cc
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.clients, id)
		d.mu.Unlock()
	}()

	if err := d.forwardToAgent(protocol.TransportHeader{Type: hdr.Type, ClientID: uint32(id), Length: hdr.Length}, payload); err != nil {
		d.log.Warnw("forwarding request to agent failed", "client_id", id, "error", err)
		return
	}
	record.setState(ClientStreaming)

	go d.writerLoop(ctx, cc)
	d.readerLoop(ctx, cc)
	<-cc.closeCh
}

// readerLoop pumps bytes from the client socket to the agent as INPUT
// frames until the client closes. Per the STREAMING state's EOF transition
// (spec §4.3), a local EOF is reported as a zero-length INPUT frame and the
// record is left alive — writerLoop, not readerLoop, decides when the
// client is actually torn down, once the agent's EXIT_CODE has arrived and
// been flushed.
func (d *Daemon) readerLoop(ctx context.Context, cc *clientConn) {
	buf := make([]byte, protocol.MaxChunk)
	for {
		for cc.record.hasFlag(FlagDontRead) {
			select {
			case <-cc.resume:
			case <-cc.closeCh:
				return
			case <-ctx.Done():
				return
			}
		}

		n, err := cc.conn.Read(buf)
		// An XOFF may have arrived while this Read was already blocked;
		// hold the bytes until XON rather than forwarding them.
		for n > 0 && cc.record.hasFlag(FlagDontRead) {
			select {
			case <-cc.resume:
			case <-cc.closeCh:
				return
			case <-ctx.Done():
				return
			}
		}
		if n > 0 {
			if ferr := d.forwardToAgent(protocol.TransportHeader{
				Type:     protocol.MsgInput,
				ClientID: uint32(cc.record.ID),
				Length:   uint32(n),
			}, buf[:n]); ferr != nil {
				d.log.Debugw("forwarding client input failed", "client_id", cc.record.ID, "error", ferr)
				return
			}
		}
		if err != nil {
			select {
			case <-cc.closeCh:
				// The writer side has already torn this client down
				// (EXIT_CODE delivered, or a write failure sent
				// CLIENT_END); nothing left to tell the agent.
			default:
				if ferr := d.forwardToAgent(protocol.TransportHeader{
					Type:     protocol.MsgInput,
					ClientID: uint32(cc.record.ID),
				}, nil); ferr != nil {
					d.log.Debugw("forwarding client EOF failed", "client_id", cc.record.ID, "error", ferr)
				}
				cc.record.setFlag(FlagEOF)
			}
			return
		}
	}
}

// writerLoop drains frames queued for this client (via deliverToClient) to
// its socket, applying XOFF/XON based on outBuf depth. It owns the
// connection's teardown: it closes the socket and cc.closeCh once the
// agent's EXIT_CODE has been delivered and flushed, or immediately on a
// local write failure — in the latter case it also tells the agent
// CLIENT_END, the terminate-and-flush path of spec §4.3, since the daemon
// has given up on this client before any exit code arrived.
func (d *Daemon) writerLoop(ctx context.Context, cc *clientConn) {
	defer func() {
		cc.conn.Close()
		close(cc.closeCh)
	}()

	for {
		select {
		case <-cc.wake:
		case <-ctx.Done():
			return
		}

		for cc.outBuf.Len() > 0 {
			data := cc.outBuf.Peek()
			n, err := cc.conn.Write(data)
			if n > 0 {
				cc.outBuf.Drain(n)
			}
			if err != nil {
				d.log.Debugw("client write failed, ending session", "client_id", cc.record.ID, "error", err)
				_ = d.forwardToAgent(protocol.TransportHeader{Type: protocol.MsgClientEnd, ClientID: uint32(cc.record.ID)}, nil)
				return
			}
		}

		cc.mu.Lock()
		wasXoffed := cc.xoffed
		if wasXoffed && cc.outBuf.Len() <= outboundLowWatermark {
			cc.xoffed = false
		}
		nowXoffed := cc.xoffed
		cc.mu.Unlock()

		if wasXoffed && !nowXoffed {
			_ = d.forwardToAgent(protocol.TransportHeader{Type: protocol.MsgXon, ClientID: uint32(cc.record.ID)}, nil)
		}

		if cc.record.hasFlag(FlagExited) && cc.outBuf.Len() == 0 {
			return
		}
	}
}

// deliverToClient queues data for cc's writer goroutine, sending XOFF
// upstream if the client is falling behind.
func (d *Daemon) deliverToClient(cc *clientConn, data []byte) {
	if len(data) > 0 {
		if err := cc.outBuf.Append(data); err != nil {
			d.log.Errorw("client outbound buffer limit exceeded, dropping client", "client_id", cc.record.ID, "error", err)
			cc.conn.Close()
			return
		}
	}

	cc.mu.Lock()
	shouldXoff := !cc.xoffed && cc.outBuf.Len() > outboundHighWatermark
	if shouldXoff {
		cc.xoffed = true
	}
	cc.mu.Unlock()

	if shouldXoff {
		_ = d.forwardToAgent(protocol.TransportHeader{Type: protocol.MsgXoff, ClientID: uint32(cc.record.ID)}, nil)
	}

	select {
	case cc.wake <- struct{}{}:
	default:
	}
}

// forwardToAgent writes one transport frame, blocking (via Transport.Wait)
// until there is room in the ring.
func (d *Daemon) forwardToAgent(hdr protocol.TransportHeader, payload []byte) error {
	return protocol.WriteTransportFrame(context.Background(), d.transport, hdr, payload)
}

// transportLoop reads frames from the agent and routes them to the
// client identified by each frame's ClientID.
func (d *Daemon) transportLoop(ctx context.Context) error {
	for {
		hdr, payload, err := protocol.ReadTransportFrame(ctx, d.transport)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("daemon: reading agent transport: %w", err)
		}

		if hdr.Type == protocol.MsgTriggerConnectExisting {
			rec, rerr := protocol.UnmarshalTriggerRecord(payload)
			if rerr != nil {
				d.log.Warnw("malformed trigger record from agent, dropping", "error", rerr)
				continue
			}
			go func() {
				if _, terr := d.HandleTrigger(ctx, rec); terr != nil {
					d.log.Infow("trigger request denied", "service", rec.Service, "target_vm", rec.TargetVM, "error", terr)
				}
			}()
			continue
		}

		id := ClientID(hdr.ClientID)
		d.mu.Lock()
		cc, ok := d.clients[id]
		d.mu.Unlock()
		if !ok {
			d.log.Debugw("frame for unknown client, dropping", "client_id", id, "type", hdr.Type)
			continue
		}

		switch hdr.Type {
		case protocol.MsgStdout, protocol.MsgStderr:
			d.deliverToClient(cc, clientFrameBytes(hdr.Type, payload))
		case protocol.MsgExitCode:
			// Queue the frame before setting FlagExited, so writerLoop
			// never sees the flag with the exit frame not yet queued; the
			// extra wake makes it re-check the flag.
			d.deliverToClient(cc, clientFrameBytes(hdr.Type, payload))
			cc.record.setFlag(FlagExited)
			select {
			case cc.wake <- struct{}{}:
			default:
			}
		case protocol.MsgXoff:
			cc.record.setFlag(FlagDontRead)
		case protocol.MsgXon:
			cc.record.clearFlag(FlagDontRead)
			select {
			case cc.resume <- struct{}{}:
			default:
			}
		default:
			d.log.Debugw("unexpected frame type from agent", "type", hdr.Type, "client_id", id)
		}
	}
}

func clientFrameBytes(typ protocol.MessageType, payload []byte) []byte {
	hdr := protocol.ClientHeader{Type: typ, Length: uint32(len(payload))}
	return append(hdr.MarshalBinary(), payload...)
}

// defaultUserKeyword is the literal user-field prefix a client may send
// in place of a real username, asking the daemon to substitute whichever
// user the VM is configured to run services as.
const defaultUserKeyword = "DEFAULT:"

// resolveDefaultUser rewrites a leading "DEFAULT:" in an EXEC_CMDLINE or
// JUST_EXEC body into "<defaultUser>:", leaving the rest of the command
// untouched. Grounded in original_source qrexec_daemon.c's
// default_user_keyword handling. Payloads not starting with the keyword
// pass through unchanged.
func resolveDefaultUser(payload []byte, defaultUser string) []byte {
	if defaultUser == "" || !bytes.HasPrefix(payload, []byte(defaultUserKeyword)) {
		return payload
	}
	rest := payload[len(defaultUserKeyword)-1:] // keep the ':'
	out := make([]byte, 0, len(defaultUser)+len(rest))
	out = append(out, defaultUser...)
	out = append(out, rest...)
	return out
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
