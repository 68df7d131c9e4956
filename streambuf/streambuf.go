// Package streambuf implements the append/drain byte FIFO used to hold
// data that cannot be written to a blocked peer yet, and the process-wide
// cap on how much of it may accumulate. Grounded in original_source
// qrexec/buffer.c.
package streambuf

import (
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
)

// Limit is the total amount of buffered, not-yet-flushed data a single
// daemon or agent process will hold across every Buffer, matching
// buffer.c's BUFFER_LIMIT. Reaching it does not end the process: Reserve
// returns an error, and the daemon and agent drop only the client or
// service whose append failed.
const Limit = 50 * datasize.MB

// Limiter tracks how much data is currently held across every Buffer
// sharing it, so the 50MB cap in buffer.c applies process-wide rather than
// per-client.
type Limiter struct {
	mu      sync.Mutex
	used    uint64
	cap     uint64
	onLimit func(used, cap uint64)
}

// NewLimiter builds a Limiter capped at cap bytes. onLimit, if non-nil, is
// invoked (while the limit is held) the first time a reservation would
// exceed the cap; callers typically use it to log before aborting, since
// the original treats this as a fatal condition.
func NewLimiter(cap uint64, onLimit func(used, cap uint64)) *Limiter {
	return &Limiter{cap: cap, onLimit: onLimit}
}

// DefaultLimiter returns a Limiter capped at Limit.
func DefaultLimiter() *Limiter {
	return NewLimiter(uint64(Limit.Bytes()), nil)
}

// Reserve accounts for n additional bytes becoming buffered. It returns an
// error instead of panicking; callers that must match the original's fatal
// behavior translate that error into a process exit.
func (l *Limiter) Reserve(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used+uint64(n) > l.cap {
		if l.onLimit != nil {
			l.onLimit(l.used, l.cap)
		}
		return fmt.Errorf("streambuf: buffer limit exceeded: %d+%d > %d bytes", l.used, n, l.cap)
	}
	l.used += uint64(n)
	return nil
}

// Release gives back n bytes previously reserved, once they have been
// drained and written out.
func (l *Limiter) Release(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint64(n) > l.used {
		l.used = 0
		return
	}
	l.used -= uint64(n)
}

// Used reports the bytes currently reserved across every Buffer sharing
// this Limiter.
func (l *Limiter) Used() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Buffer is an append/drain FIFO for bytes that could not be written to a
// peer without blocking. It charges every byte it holds against a shared
// Limiter so one client cannot alone exhaust the process's memory.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	limiter *Limiter
}

// New returns an empty Buffer charged against limiter.
func New(limiter *Limiter) *Buffer {
	return &Buffer{limiter: limiter}
}

// Append adds p to the end of the buffer, reserving its size against the
// shared Limiter first. On error the buffer is left unchanged.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := b.limiter.Reserve(len(p)); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	return nil
}

// Peek returns the buffer's current contents without consuming them. The
// returned slice aliases internal storage and must not be retained past
// the next call to Append or Drain.
func (b *Buffer) Peek() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Drain removes the first n bytes from the buffer, releasing them against
// the shared Limiter. If n exceeds Len(), the buffer is emptied.
func (b *Buffer) Drain(n int) {
	if n == 0 {
		return
	}
	b.mu.Lock()
	if n > len(b.data) {
		n = len(b.data)
	}
	remaining := len(b.data) - n
	copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
	b.mu.Unlock()

	b.limiter.Release(n)
}

// Len reports the number of bytes currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Empty reports whether the buffer currently holds no data.
func (b *Buffer) Empty() bool {
	return b.Len() == 0
}
