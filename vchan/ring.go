// Package vchan implements the shared-memory ring transport that carries
// qrexec traffic between a daemon and its agent, grounded in
// original_source qrexec/txrx-vchan.c. The original runs the ring over a
// Xen grant-table mapping; nothing in txrx-vchan.c depends on that beyond
// "two processes can see the same bytes," so this implementation carries
// the ring over an mmap'd regular file instead (see shm_unix.go) — the
// indexing and flow-control arithmetic below is otherwise identical.
package vchan

import (
	"errors"
	"sync/atomic"
)

// ErrWouldBlock is returned by non-blocking Ring operations that cannot
// make progress immediately.
var ErrWouldBlock = errors.New("vchan: would block")

// ErrClosed is returned once a Ring's peer has signaled it is done and all
// buffered data has been drained.
var ErrClosed = errors.New("vchan: closed")

// ErrCorrupt is returned when a ring's producer/consumer indices violate
// the "producer - consumer <= size" invariant (spec §4.1/§8): this can only
// happen from a malicious or corrupt peer, since a conforming writer never
// advances its producer past what the buffer can hold. It is fatal.
var ErrCorrupt = errors.New("vchan: ring index invariant violated")

// ringHeader is the fixed-size control block placed at the front of a
// ring's shared region. producer and consumer are monotonically
// increasing byte counts — never wrapped themselves, only masked at the
// point of indexing into data — so that "producer - consumer" is always
// the exact number of unread bytes, per txrx-vchan.c.
type ringHeader struct {
	producer *uint32
	consumer *uint32
	closed   *uint32
}

// Ring is one direction of a vchan: a fixed-size byte buffer plus the
// producer/consumer indices that describe how much of it is live data.
// A Ring's header and data both live in memory that may be shared with
// another process, so every access to producer/consumer goes through
// sync/atomic.
type Ring struct {
	hdr  ringHeader
	data []byte
	size uint32
	mask uint32
}

// newRing wraps hdr and data (data's length must be a power of two) as a
// Ring. The caller is responsible for initializing the header's counters
// on first use (see ServerInit).
func newRing(hdr ringHeader, data []byte) *Ring {
	size := uint32(len(data))
	if size == 0 || size&(size-1) != 0 {
		panic("vchan: ring size must be a nonzero power of two")
	}
	return &Ring{hdr: hdr, data: data, size: size, mask: size - 1}
}

func (r *Ring) producer() uint32 { return atomic.LoadUint32(r.hdr.producer) }
func (r *Ring) consumer() uint32 { return atomic.LoadUint32(r.hdr.consumer) }

// used reports how many unread bytes the ring currently holds.
func (r *Ring) used() uint32 { return r.producer() - r.consumer() }

// checkInvariant reports ErrCorrupt if the producer/consumer indices
// currently observed violate producer - consumer <= size. Read and Write
// call this before trusting used()/Space()/DataReady(), since an out-of-
// range difference wraps silently in the unsigned arithmetic those derive
// from.
func (r *Ring) checkInvariant() error {
	if r.used() > r.size {
		return ErrCorrupt
	}
	return nil
}

// Space reports how many bytes may currently be written without
// exceeding the ring's capacity.
func (r *Ring) Space() int { return int(r.size - r.used()) }

// DataReady reports how many bytes are currently available to read.
func (r *Ring) DataReady() int { return int(r.used()) }

// PeerClosed reports whether the writing side has signaled it will
// produce no more data.
func (r *Ring) PeerClosed() bool { return atomic.LoadUint32(r.hdr.closed) != 0 }

// MarkClosed signals to the reading side that no more data will be
// produced into this ring.
func (r *Ring) MarkClosed() { atomic.StoreUint32(r.hdr.closed, 1) }

// Write copies as much of p as currently fits without blocking, returning
// the number of bytes consumed from p. A short write (including zero)
// means the ring is full; the caller is expected to retry once the peer
// has drained it, exactly as write_stdin.c's buffered-write path does.
func (r *Ring) Write(p []byte) (int, error) {
	if err := r.checkInvariant(); err != nil {
		return 0, err
	}

	space := r.Space()
	if space == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}

	n := len(p)
	if n > space {
		n = space
	}

	prod := r.producer()
	off := prod & r.mask
	// A write may wrap around the end of the data area; split into at
	// most two contiguous copies.
	first := r.size - off
	if uint32(n) <= first {
		copy(r.data[off:], p[:n])
	} else {
		copy(r.data[off:], p[:first])
		copy(r.data[0:], p[first:n])
	}

	atomic.StoreUint32(r.hdr.producer, prod+uint32(n))
	return n, nil
}

// Read copies as much available data into p as fits, returning the
// number of bytes copied. It returns (0, ErrWouldBlock) if the ring is
// empty and the peer has not closed, or (0, ErrClosed) if the ring is
// empty and the peer has closed (end of stream).
func (r *Ring) Read(p []byte) (int, error) {
	if err := r.checkInvariant(); err != nil {
		return 0, err
	}

	avail := r.DataReady()
	if avail == 0 {
		if r.PeerClosed() {
			return 0, ErrClosed
		}
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}

	n := len(p)
	if n > avail {
		n = avail
	}

	cons := r.consumer()
	off := cons & r.mask
	first := r.size - off
	if uint32(n) <= first {
		copy(p[:n], r.data[off:])
	} else {
		copy(p[:first], r.data[off:])
		copy(p[first:n], r.data[0:])
	}

	atomic.StoreUint32(r.hdr.consumer, cons+uint32(n))
	return n, nil
}
