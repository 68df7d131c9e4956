package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/qubes-os/qrexec/vchan"
)

// RingTransport is the subset of vchan.Transport that frame (de)framing
// needs. It embeds sync.Locker so WriteTransportFrame can serialize an
// entire frame write against the transport's other concurrent writers.
type RingTransport interface {
	sync.Locker
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Wait(ctx context.Context) error
	DataReady() int
	Space() int
}

// WriteTransportFrame writes one complete {header, payload} frame to t,
// writing as much as currently fits and blocking on t.Wait whenever the
// ring is full. It does not wait for room for the whole frame, so one frame
// may take several ring writes; holding t's lock for the whole loop keeps
// frames from other senders out of the gaps.
func WriteTransportFrame(ctx context.Context, t RingTransport, hdr TransportHeader, payload []byte) error {
	// Holding the lock for the whole frame, not just each Write call,
	// serializes entire frames from concurrent senders on one transport
	// (daemon/agent both run one writer goroutine per client plus
	// dedicated flow-control and trigger-relay goroutines, all sharing a
	// single Transport) so two frames can never interleave their bytes on
	// the wire, per spec §4.2's framing rule.
	t.Lock()
	defer t.Unlock()

	full := append(hdr.MarshalBinary(), payload...)
	for len(full) > 0 {
		n, err := t.Write(full)
		if n > 0 {
			full = full[n:]
		}
		if err == nil {
			continue
		}
		if errors.Is(err, vchan.ErrCorrupt) {
			return err
		}
		if waitErr := t.Wait(ctx); waitErr != nil {
			return waitErr
		}
	}
	return nil
}

// ReadTransportFrame reads one complete {header, payload} frame from t,
// blocking on t.Wait while data is not yet available.
func ReadTransportFrame(ctx context.Context, t RingTransport) (TransportHeader, []byte, error) {
	hdrBuf, err := readExactly(ctx, t, TransportHeaderSize)
	if err != nil {
		return TransportHeader{}, nil, err
	}
	hdr, err := UnmarshalTransportHeader(hdrBuf)
	if err != nil {
		return TransportHeader{}, nil, err
	}
	if hdr.Length > MaxChunk {
		return TransportHeader{}, nil, fmt.Errorf("protocol: frame length %d exceeds MaxChunk", hdr.Length)
	}

	payload, err := readExactly(ctx, t, int(hdr.Length))
	if err != nil {
		return TransportHeader{}, nil, err
	}
	return hdr, payload, nil
}

func readExactly(ctx context.Context, t RingTransport, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := t.Read(buf[got:])
		got += m
		if err == nil {
			continue
		}
		if errors.Is(err, vchan.ErrClosed) {
			return nil, io.ErrUnexpectedEOF
		}
		if errors.Is(err, vchan.ErrCorrupt) {
			return nil, err
		}
		if waitErr := t.Wait(ctx); waitErr != nil {
			return nil, waitErr
		}
	}
	return buf, nil
}
