package daemon

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/streambuf"
)

func TestFlushAndCloseDrainsThenCloses(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	buf := streambuf.New(streambuf.NewLimiter(1024, nil))
	require.NoError(t, buf.Append([]byte("leftover stdin")))

	flushAndClose(buf, server, zap.NewNop().Sugar())

	got := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(got)
	require.NoError(t, err)
	require.Equal(t, "leftover stdin", string(got[:n]))

	// server side closes once drained; further reads see EOF.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(got)
	require.Error(t, err)
}
