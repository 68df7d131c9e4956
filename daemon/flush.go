package daemon

import (
	"io"

	"go.uber.org/zap"

	"github.com/qubes-os/qrexec/streambuf"
)

// flushAndClose drains buf into dst with blocking writes and closes dst
// once empty. The original handles "client is gone but its buffered
// stdin still needs delivering" by forking a child that inherits just the
// destination fd and the buffered bytes, then blocks in write() until
// done (fork_and_flush_stdin). A goroutine gives the same
// "doesn't block the rest of the daemon" property without a fork: it
// shares nothing but buf and dst, and the daemon's event loop never waits
// on it directly.
func flushAndClose(buf *streambuf.Buffer, dst io.WriteCloser, log *zap.SugaredLogger) {
	go func() {
		defer dst.Close()
		for buf.Len() > 0 {
			data := buf.Peek()
			n, err := dst.Write(data)
			if n > 0 {
				buf.Drain(n)
			}
			if err != nil {
				log.Debugw("flush aborted", "error", err)
				return
			}
		}
	}()
}
