package daemon

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/daemon/policy"
	"github.com/qubes-os/qrexec/protocol"
	"github.com/qubes-os/qrexec/vchan"
)

func newTestDaemon(t *testing.T) (*Daemon, *vchan.Transport, Config) {
	t.Helper()

	vchanDir := t.TempDir()
	vcfg := vchan.Config{Dir: filepath.Clean(vchanDir), Port: 1, DataSize: 16384}

	srv, err := vchan.ServerInit(vcfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close(); srv.Cleanup() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agentSide, err := vchan.ClientInit(ctx, vcfg)
	require.NoError(t, err)
	t.Cleanup(func() { agentSide.Close() })

	cfg := DefaultConfig()
	cfg.DomainID = 7
	cfg.SocketDir = t.TempDir()

	log := zap.NewNop().Sugar()
	d, err := New(cfg, log, srv, nil)
	require.NoError(t, err)

	return d, agentSide, cfg
}

func dialClient(t *testing.T, cfg Config) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", filepath.Join(cfg.SocketDir, "qrexec.7"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestDaemonRoundTrip drives a client request through the daemon to a
// fake agent on the other end of the vchan transport, and the agent's
// stdout/exit-code frames back to the client, exercising acceptLoop,
// readerLoop, writerLoop and transportLoop together.
func TestDaemonRoundTrip(t *testing.T) {
	d, agentSide, cfg := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn := dialClient(t, cfg)
	require.NoError(t, protocol.WriteClientFrame(conn, protocol.MsgExecCmdline, []byte("user:cmd")))

	hdr, payload, err := protocol.ReadTransportFrame(context.Background(), agentSide)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgExecCmdline, hdr.Type)
	require.Equal(t, "user:cmd", string(payload))
	clientID := hdr.ClientID

	require.NoError(t, protocol.WriteTransportFrame(context.Background(), agentSide,
		protocol.TransportHeader{Type: protocol.MsgStdout, ClientID: clientID, Length: 5}, []byte("hello")))
	require.NoError(t, protocol.WriteTransportFrame(context.Background(), agentSide,
		protocol.TransportHeader{Type: protocol.MsgExitCode, ClientID: clientID, Length: 4}, []byte{0, 0, 0, 0}))

	stdoutHdr, err := protocol.ReadClientHeader(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgStdout, stdoutHdr.Type)
	buf := make([]byte, stdoutHdr.Length)
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	exitHdr, err := protocol.ReadClientHeader(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgExitCode, exitHdr.Type)

	cancel()
	<-done
}

// TestDaemonHonorsXoffFromAgent verifies that once the agent signals
// XOFF for a client, the daemon stops forwarding that client's input
// frames until XON arrives.
func TestDaemonHonorsXoffFromAgent(t *testing.T) {
	d, agentSide, cfg := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn := dialClient(t, cfg)
	require.NoError(t, protocol.WriteClientFrame(conn, protocol.MsgExecCmdline, []byte("user:cmd")))

	hdr, _, err := protocol.ReadTransportFrame(context.Background(), agentSide)
	require.NoError(t, err)
	clientID := hdr.ClientID

	require.NoError(t, protocol.WriteTransportFrame(context.Background(), agentSide,
		protocol.TransportHeader{Type: protocol.MsgXoff, ClientID: clientID}, nil))
	time.Sleep(20 * time.Millisecond)

	_, err = conn.Write([]byte("should not be forwarded yet"))
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer readCancel()
	_, _, err = protocol.ReadTransportFrame(readCtx, agentSide)
	require.Error(t, err, "daemon must not forward client input while XOFF is outstanding")

	require.NoError(t, protocol.WriteTransportFrame(context.Background(), agentSide,
		protocol.TransportHeader{Type: protocol.MsgXon, ClientID: clientID}, nil))

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), time.Second)
	defer resumeCancel()
	inputHdr, payload, err := protocol.ReadTransportFrame(resumeCtx, agentSide)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgInput, inputHdr.Type)
	require.Equal(t, "should not be forwarded yet", string(payload))

	cancel()
	<-done
}

func TestDaemonRelaysTriggerConnectExistingFromAgent(t *testing.T) {
	vchanDir := t.TempDir()
	vcfg := vchan.Config{Dir: filepath.Clean(vchanDir), Port: 1, DataSize: 16384}

	srv, err := vchan.ServerInit(vcfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close(); srv.Cleanup() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agentSide, err := vchan.ClientInit(ctx, vcfg)
	require.NoError(t, err)
	t.Cleanup(func() { agentSide.Close() })

	allow, err := policy.Compile([]policy.Rule{{Pattern: "qubes.Filecopy+work"}})
	require.NoError(t, err)
	triggers := NewTriggerExecutor(allow, "/bin/true", zap.NewNop().Sugar())

	cfg := DefaultConfig()
	cfg.DomainID = 8
	cfg.SocketDir = t.TempDir()

	log := zap.NewNop().Sugar()
	d, err := New(cfg, log, srv, triggers)
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()

	rec := protocol.TriggerRecord{Service: "qubes.Filecopy", TargetVM: "work", Ident: "3 4 5"}
	payload := rec.MarshalBinary()
	require.NoError(t, protocol.WriteTransportFrame(context.Background(), agentSide,
		protocol.TransportHeader{Type: protocol.MsgTriggerConnectExisting, Length: uint32(len(payload))}, payload))

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	hdr, connectPayload, err := protocol.ReadTransportFrame(readCtx, agentSide)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgConnectExisting, hdr.Type)
	require.Equal(t, "3 4 5", string(connectPayload))

	runCancel()
	<-done
}

func TestResolveDefaultUserRewritesKeyword(t *testing.T) {
	got := resolveDefaultUser([]byte("DEFAULT:/bin/cat"), "user")
	require.Equal(t, "user:/bin/cat", string(got))
}

func TestResolveDefaultUserLeavesOtherUsersAlone(t *testing.T) {
	got := resolveDefaultUser([]byte("root:/bin/cat"), "user")
	require.Equal(t, "root:/bin/cat", string(got))
}

func TestResolveDefaultUserNoopWithoutConfiguredDefault(t *testing.T) {
	got := resolveDefaultUser([]byte("DEFAULT:/bin/cat"), "")
	require.Equal(t, "DEFAULT:/bin/cat", string(got))
}
