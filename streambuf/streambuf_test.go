package streambuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendDrainFIFOOrder(t *testing.T) {
	b := New(NewLimiter(1024, nil))
	require.NoError(t, b.Append([]byte("hello ")))
	require.NoError(t, b.Append([]byte("world")))
	require.Equal(t, "hello world", string(b.Peek()))

	b.Drain(6)
	require.Equal(t, "world", string(b.Peek()))
	require.Equal(t, 5, b.Len())
}

func TestDrainMoreThanLenClampsToLen(t *testing.T) {
	b := New(NewLimiter(1024, nil))
	require.NoError(t, b.Append([]byte("abc")))
	b.Drain(100)
	require.True(t, b.Empty())
}

func TestLimiterRejectsOverCap(t *testing.T) {
	l := NewLimiter(4, nil)
	b := New(l)
	require.NoError(t, b.Append([]byte("abcd")))
	require.Error(t, b.Append([]byte("e")))
	require.Equal(t, 4, b.Len())
}

func TestLimiterSharedAcrossBuffers(t *testing.T) {
	l := NewLimiter(8, nil)
	a := New(l)
	c := New(l)
	require.NoError(t, a.Append([]byte("abcd")))
	require.NoError(t, c.Append([]byte("efgh")))
	require.Error(t, a.Append([]byte("x")))

	a.Drain(4)
	require.NoError(t, a.Append([]byte("ijkl")))
}

func TestLimiterOnLimitCallback(t *testing.T) {
	var calledUsed, calledCap uint64
	l := NewLimiter(2, func(used, cap uint64) {
		calledUsed, calledCap = used, cap
	})
	b := New(l)
	require.NoError(t, b.Append([]byte("ab")))
	require.Error(t, b.Append([]byte("c")))
	require.Equal(t, uint64(2), calledUsed)
	require.Equal(t, uint64(2), calledCap)
}
