package agent

import (
	"bufio"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/streambuf"
)

func TestSpawnAndWaitReportsExitCode(t *testing.T) {
	proc, err := Spawn(1, []string{"/bin/sh", "-c", "exit 7"}, nil, streambuf.DefaultLimiter())
	require.NoError(t, err)

	status := proc.Wait()
	require.Equal(t, int32(7), status)

	st, exited := proc.Exited()
	require.True(t, exited)
	require.Equal(t, int32(7), st)
}

func TestWriteStdinFlushesToChild(t *testing.T) {
	proc, err := Spawn(1, []string{"/bin/cat"}, nil, streambuf.DefaultLimiter())
	require.NoError(t, err)

	require.NoError(t, proc.WriteStdin([]byte("hello\n")))
	proc.CloseStdin()

	for i := 0; i < 100; i++ {
		done, ferr := proc.FlushStdin()
		require.NoError(t, ferr)
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	r := bufio.NewReader(proc.Stdout())
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)

	proc.Wait()
}

func TestPumpOutputCopiesUntilEOF(t *testing.T) {
	proc, err := Spawn(1, []string{"/bin/sh", "-c", "echo one; echo two"}, nil, streambuf.DefaultLimiter())
	require.NoError(t, err)

	var got []byte
	pumpOutput(proc.Stdout(), func(p []byte) error {
		got = append(got, p...)
		return nil
	}, zap.NewNop().Sugar())

	require.Equal(t, "one\ntwo\n", string(got))
	proc.Wait()
}

func TestRemovableRequiresBothStreamsClosed(t *testing.T) {
	proc, err := Spawn(1, []string{"/bin/true"}, nil, streambuf.DefaultLimiter())
	require.NoError(t, err)
	proc.Wait()

	require.False(t, proc.Removable())
	proc.markStdoutClosed()
	require.False(t, proc.Removable())
	proc.markStderrClosed()
	require.True(t, proc.Removable())
}
