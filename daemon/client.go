package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/qubes-os/qrexec/internal/bitset"
	"github.com/qubes-os/qrexec/protocol"
)

// ClientState is the client state machine from the original
// qrexec_daemon.c: a client starts INVALID immediately after accept,
// moves to AWAIT_CMDLINE once the daemon knows which kind of request it
// made, and to STREAMING once the corresponding service is actually
// running and passing data.
type ClientState int

const (
	ClientInvalid ClientState = iota
	ClientAwaitCmdline
	ClientStreaming
)

func (s ClientState) String() string {
	switch s {
	case ClientInvalid:
		return "INVALID"
	case ClientAwaitCmdline:
		return "AWAIT_CMDLINE"
	case ClientStreaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// ClientFlags mirrors the original's per-client bit flags.
type ClientFlags uint8

const (
	// FlagDontRead is set by an XOFF from the agent: the daemon forwards
	// no more of this client's input until the matching XON.
	FlagDontRead ClientFlags = 1 << iota
	// FlagOutqFull means data addressed to this client is backed up and
	// an XOFF has been sent upstream.
	FlagOutqFull
	// FlagEOF means the local client has reached EOF on its stdin; a
	// zero-length INPUT has already been forwarded to the agent.
	FlagEOF
	// FlagExited means the remote service's exit code has been
	// received and is buffered for delivery to the client.
	FlagExited
)

func (f ClientFlags) has(bit ClientFlags) bool { return f&bit != 0 }

// ClientRecord tracks one client connection's protocol state. The
// client's ID and its accepted socket both exist for the record's
// lifetime, but they are deliberately kept as different concepts (see
// IDAllocator) so the ID can be reused safely once the socket and its
// kernel-level fd are both gone.
type ClientRecord struct {
	mu sync.Mutex

	ID    ClientID
	State ClientState
	Flags ClientFlags

	// Ident is the request payload (the service+argument string) as the
	// client sent it, before any DEFAULT: rewrite.
	Ident string

	// ExitCode is not written by the daemon: the agent's EXIT_CODE frame
	// is queued in the client's outbound buffer behind earlier output and
	// delivered from there.
	ExitCode int32
}

func newClientRecord(id ClientID) *ClientRecord {
	return &ClientRecord{ID: id, State: ClientInvalid}
}

func (c *ClientRecord) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = s
}

func (c *ClientRecord) getState() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

func (c *ClientRecord) setFlag(bit ClientFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Flags |= bit
}

func (c *ClientRecord) clearFlag(bit ClientFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Flags &^= bit
}

func (c *ClientRecord) hasFlag(bit ClientFlags) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Flags.has(bit)
}

// ClientID is an allocated small integer identifying a client on the
// daemon<->agent transport. Unlike the original, where client_id is
// simply the daemon's accepted socket fd reinterpreted, ClientID here is
// a value from a bounded free-list: reusing a raw fd number the instant
// its socket closes risks an in-flight transport frame referencing a
// stale client landing on a brand new, unrelated connection that
// happened to get the same fd. Quarantining a freed ID for a short
// window before it is handed out again closes that race.
type ClientID = protocol.ClientID

// IDAllocator hands out ClientIDs from a bounded space, holding each
// released ID in quarantine for quarantinePeriod before it can be reused.
type IDAllocator struct {
	mu         sync.Mutex
	next       ClientID
	max        ClientID
	free       []ClientID
	live       bitset.Set
	quarantine map[ClientID]time.Time
	period     time.Duration
	now        func() time.Time
}

// DefaultQuarantine is how long a released ClientID is held back from
// reuse.
const DefaultQuarantine = 2 * time.Second

// NewIDAllocator returns an allocator that hands out IDs in [1, max],
// quarantining released IDs for period before reuse. ID 0 is never
// issued; it is reserved to mean "no client" in frames that need it.
func NewIDAllocator(max ClientID, period time.Duration) *IDAllocator {
	return &IDAllocator{
		next:       1,
		max:        max,
		quarantine: make(map[ClientID]time.Time),
		period:     period,
		now:        time.Now,
	}
}

// Acquire returns a fresh ClientID, preferring a released ID whose
// quarantine has elapsed over growing the allocator's high-water mark. It returns an error if the ID space is exhausted.
func (a *IDAllocator) Acquire() (ClientID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reapLocked()

	if len(a.free) > 0 {
		id := a.free[0]
		a.free = a.free[1:]
		a.live.Set(uint32(id))
		return id, nil
	}

	if a.next > a.max {
		return 0, fmt.Errorf("daemon: client id space exhausted (max %d)", a.max)
	}
	id := a.next
	a.next++
	a.live.Set(uint32(id))
	return id, nil
}

// Release puts id into quarantine; it will not be reissued by Acquire
// until the quarantine period elapses. Releasing an id that is not
// currently live is a programming error.
func (a *IDAllocator) Release(id ClientID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live.IsSet(uint32(id)) {
		panic(fmt.Sprintf("daemon: release of unassigned client id %d", id))
	}
	a.live.Clear(uint32(id))
	a.quarantine[id] = a.now()
}

// Live reports how many ClientIDs are currently assigned.
func (a *IDAllocator) Live() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live.Count()
}

func (a *IDAllocator) reapLocked() {
	cutoff := a.now().Add(-a.period)
	for id, releasedAt := range a.quarantine {
		if releasedAt.Before(cutoff) {
			delete(a.quarantine, id)
			a.free = append(a.free, id)
		}
	}
}
