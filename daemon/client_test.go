package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientRecordStateTransitions(t *testing.T) {
	c := newClientRecord(1)
	require.Equal(t, ClientInvalid, c.getState())

	c.setState(ClientAwaitCmdline)
	require.Equal(t, ClientAwaitCmdline, c.getState())

	c.setState(ClientStreaming)
	require.Equal(t, ClientStreaming, c.getState())
}

func TestClientRecordFlags(t *testing.T) {
	c := newClientRecord(1)
	require.False(t, c.hasFlag(FlagEOF))

	c.setFlag(FlagEOF)
	c.setFlag(FlagOutqFull)
	require.True(t, c.hasFlag(FlagEOF))
	require.True(t, c.hasFlag(FlagOutqFull))

	c.clearFlag(FlagEOF)
	require.False(t, c.hasFlag(FlagEOF))
	require.True(t, c.hasFlag(FlagOutqFull))
}

func TestIDAllocatorNeverIssuesZero(t *testing.T) {
	a := NewIDAllocator(10, time.Second)
	id, err := a.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, ClientID(0), id)
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a := NewIDAllocator(2, time.Second)
	_, err := a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	require.Error(t, err)
}

func TestIDAllocatorQuarantineDelaysReuse(t *testing.T) {
	now := time.Unix(1000, 0)
	a := NewIDAllocator(1, time.Second)
	a.now = func() time.Time { return now }

	id, err := a.Acquire()
	require.NoError(t, err)
	a.Release(id)

	_, err = a.Acquire()
	require.Error(t, err, "id space exhausted while the sole id is quarantined")

	now = now.Add(2 * time.Second)
	reissued, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, id, reissued)
}
