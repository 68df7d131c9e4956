package agent

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/internal/netutil"
)

// FdPassServer implements the agent's fd-pass socket (spec §6,
// "…/qrexec_agent_fdpass"): local tools connect once per descriptor they
// want to hand the agent, and the server replies with the accepted
// connection's own fd number, which becomes one component of a later
// CONNECT_EXISTING ident ("id1 id2 id3").
type FdPassServer struct {
	log      *zap.SugaredLogger
	listener *net.UnixListener

	mu    sync.Mutex
	conns map[uint32]*net.UnixConn
}

// NewFdPassServer binds path as a Unix socket and returns a server ready
// to Serve connections on it.
func NewFdPassServer(path string, log *zap.SugaredLogger) (*FdPassServer, error) {
	l, err := netutil.ListenUnix(path, 0666)
	if err != nil {
		return nil, err
	}
	return &FdPassServer{log: log, listener: l, conns: make(map[uint32]*net.UnixConn)}, nil
}

// Serve accepts connections until ctx is canceled, registering each one
// and replying with its assigned id.
func (s *FdPassServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: fd-pass accept: %w", err)
		}

		id, err := rawFd(conn)
		if err != nil {
			s.log.Warnw("fd-pass: could not determine connection fd", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[id] = conn
		s.mu.Unlock()

		var reply [4]byte
		binary.LittleEndian.PutUint32(reply[:], id)
		if _, err := conn.Write(reply[:]); err != nil {
			s.log.Debugw("fd-pass: writing assigned id failed", "id", id, "error", err)
			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
			conn.Close()
		}
	}
}

// Take removes and returns the connection registered under id.
func (s *FdPassServer) Take(id uint32) (*net.UnixConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	return c, ok
}

// TakeTriple removes and returns the three connections registered under
// stdinID/stdoutID/stderrID, for wiring into a CONNECT_EXISTING process
// record. Any already-taken connections are returned to the registry
// before the error is surfaced, so a partially-valid ident does not leak
// another request's descriptors.
func (s *FdPassServer) TakeTriple(stdinID, stdoutID, stderrID uint32) (*net.UnixConn, *net.UnixConn, *net.UnixConn, error) {
	in, ok := s.Take(stdinID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("agent: fd-pass id %d not registered", stdinID)
	}
	out, ok := s.Take(stdoutID)
	if !ok {
		s.restore(stdinID, in)
		return nil, nil, nil, fmt.Errorf("agent: fd-pass id %d not registered", stdoutID)
	}
	errConn, ok := s.Take(stderrID)
	if !ok {
		s.restore(stdinID, in)
		s.restore(stdoutID, out)
		return nil, nil, nil, fmt.Errorf("agent: fd-pass id %d not registered", stderrID)
	}
	return in, out, errConn, nil
}

func (s *FdPassServer) restore(id uint32, c *net.UnixConn) {
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
}

// rawFd returns the underlying file descriptor number of a Unix
// connection, which doubles as its fd-pass id, mirroring how the daemon's
// client_id is the accepted socket's own fd.
func rawFd(conn *net.UnixConn) (uint32, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uint32
	if err := sc.Control(func(raw uintptr) {
		fd = uint32(raw)
	}); err != nil {
		return 0, err
	}
	return fd, nil
}
