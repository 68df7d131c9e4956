package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/protocol"
	"github.com/qubes-os/qrexec/streambuf"
	"github.com/qubes-os/qrexec/vchan"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	return &Agent{
		cfg:       DefaultConfig(),
		log:       zap.NewNop().Sugar(),
		limiter:   streambuf.DefaultLimiter(),
		processes: make(map[protocol.ClientID]*ProcessRecord),
		gates:     make(map[protocol.ClientID]*flowGate),
	}
}

func TestBuildArgvSplitsUserAndCommand(t *testing.T) {
	a := testAgent(t)
	argv, err := a.buildArgv("user:/bin/cat")
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/su", "-", "user", "-c", "/bin/cat"}, argv)
}

func TestBuildArgvFallsBackToDefaultUserWhenEmpty(t *testing.T) {
	a := testAgent(t)
	argv, err := a.buildArgv(":/bin/cat")
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/su", "-", a.cfg.DefaultUser, "-c", "/bin/cat"}, argv)
}

func TestBuildArgvRewritesRPCMagicToMultiplexer(t *testing.T) {
	a := testAgent(t)
	argv, err := a.buildArgv("user:QUBESRPC qubes.Filecopy source_vm")
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/su", "-", "user", "-c", a.cfg.MultiplexerPath + " qubes.Filecopy source_vm"}, argv)
}

func TestBuildArgvRejectsMissingSeparator(t *testing.T) {
	a := testAgent(t)
	_, err := a.buildArgv("no-colon-here")
	require.Error(t, err)
}

func TestFdPassServerRegistersConnectionsByFd(t *testing.T) {
	dir := t.TempDir()
	srv, err := NewFdPassServer(dir+"/fdpass.sock", zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	c1 := dialFdPass(t, dir+"/fdpass.sock")
	id1 := readAssignedID(t, c1)

	c2 := dialFdPass(t, dir+"/fdpass.sock")
	id2 := readAssignedID(t, c2)

	require.NotEqual(t, id1, id2)

	got, ok := srv.Take(id1)
	require.True(t, ok)
	require.NotNil(t, got)

	_, ok = srv.Take(id1)
	require.False(t, ok, "a taken id must not still be registered")
}

func TestFdPassServerTakeTripleRestoresOnPartialFailure(t *testing.T) {
	dir := t.TempDir()
	srv, err := NewFdPassServer(dir+"/fdpass.sock", zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	c1 := dialFdPass(t, dir+"/fdpass.sock")
	id1 := readAssignedID(t, c1)
	c2 := dialFdPass(t, dir+"/fdpass.sock")
	id2 := readAssignedID(t, c2)

	_, _, _, err = srv.TakeTriple(id1, id2, id2+1000)
	require.Error(t, err, "an unregistered third id must fail the whole triple")

	// id1 and id2 must have been restored, not left claimed.
	got, ok := srv.Take(id1)
	require.True(t, ok)
	require.NotNil(t, got)
	got2, ok := srv.Take(id2)
	require.True(t, ok)
	require.NotNil(t, got2)
}

func TestNewExistingProcessRecordIsImmediatelyRemovableOnceClosed(t *testing.T) {
	dir := t.TempDir()
	srv, err := NewFdPassServer(dir+"/fdpass.sock", zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	stdinC := dialFdPass(t, dir+"/fdpass.sock")
	stdinID := readAssignedID(t, stdinC)
	stdoutC := dialFdPass(t, dir+"/fdpass.sock")
	stdoutID := readAssignedID(t, stdoutC)
	stderrC := dialFdPass(t, dir+"/fdpass.sock")
	stderrID := readAssignedID(t, stderrC)

	stdin, stdout, stderr, err := srv.TakeTriple(stdinID, stdoutID, stderrID)
	require.NoError(t, err)

	proc := NewExisting(7, stdin, stdout, stderr, streambuf.DefaultLimiter())
	st, exited := proc.Exited()
	require.True(t, exited)
	require.Equal(t, int32(0), st)

	require.False(t, proc.Removable())
	proc.markStdoutClosed()
	require.False(t, proc.Removable())
	proc.markStderrClosed()
	require.True(t, proc.Removable())
}

func TestTriggerPipeLoopRelaysRecordOverTransport(t *testing.T) {
	vchanDir := t.TempDir()
	vcfg := vchan.Config{Dir: filepath.Clean(vchanDir), Port: 1, DataSize: 16384}

	daemonSide, err := vchan.ServerInit(vcfg)
	require.NoError(t, err)
	t.Cleanup(func() { daemonSide.Close(); daemonSide.Cleanup() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agentSide, err := vchan.ClientInit(ctx, vcfg)
	require.NoError(t, err)
	t.Cleanup(func() { agentSide.Close() })

	a := testAgent(t)
	a.transport = agentSide
	a.cfg.TriggerPipePath = filepath.Join(t.TempDir(), "qrexec_agent")

	loopCtx, loopCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.triggerPipeLoop(loopCtx)
		close(done)
	}()

	// Wait for the FIFO to exist before writing to it.
	require.Eventually(t, func() bool {
		_, err := os.Stat(a.cfg.TriggerPipePath)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	rec := protocol.TriggerRecord{Service: "qubes.Filecopy", TargetVM: "work", Ident: "1 2 3"}
	go func() {
		f, err := os.OpenFile(a.cfg.TriggerPipePath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		f.Write(rec.MarshalBinary())
	}()

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	hdr, payload, err := protocol.ReadTransportFrame(readCtx, daemonSide)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTriggerConnectExisting, hdr.Type)

	got, err := protocol.UnmarshalTriggerRecord(payload)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	loopCancel()
	<-done
}

func dialFdPass(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAssignedID(t *testing.T, conn *net.UnixConn) uint32 {
	t.Helper()
	var buf [4]byte
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(buf[:])
	require.NoError(t, err)
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

