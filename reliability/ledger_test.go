package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedgerBoundAtWindow(t *testing.T) {
	l := New(50)
	now := time.Now()
	for i := uint64(1); i <= 50; i++ {
		require.False(t, l.Full())
		l.Insert(i, []byte("x"), now)
	}
	require.True(t, l.Full())
	require.Equal(t, 50, l.Len())
}

func TestInsertThenRemove(t *testing.T) {
	l := New(50)
	now := time.Now()
	l.Insert(1, []byte("x"), now)
	require.Equal(t, 1, l.Len())
	require.True(t, l.Remove(1))
	require.Equal(t, 0, l.Len())
	require.False(t, l.Remove(1), "second removal of the same seq is a no-op")
}

func TestSweepOnlyAgedEntries(t *testing.T) {
	l := New(50)
	base := time.Now()
	l.Insert(1, []byte("young"), base)
	l.Insert(2, []byte("old"), base.Add(-201*time.Millisecond))

	now := base
	retransmit, evicted := l.Sweep(now, 200*time.Millisecond, 0)
	require.Empty(t, evicted)
	require.Len(t, retransmit, 1)
	require.Equal(t, uint64(2), retransmit[0].Seq)
}

func TestSweepBoundaryAt199And201(t *testing.T) {
	l := New(50)
	base := time.Now()
	l.Insert(1, []byte("a"), base.Add(-199*time.Millisecond))
	l.Insert(2, []byte("b"), base.Add(-201*time.Millisecond))

	retransmit, _ := l.Sweep(base, 200*time.Millisecond, 0)
	require.Len(t, retransmit, 1)
	require.Equal(t, uint64(2), retransmit[0].Seq)
}

func TestSweepEvictsAfterMaxRetries(t *testing.T) {
	l := New(50)
	base := time.Now()
	l.Insert(1, []byte("a"), base.Add(-1*time.Second))

	for i := 0; i < 3; i++ {
		l.Touch(1, base.Add(-1*time.Second))
	}
	// Force the entry's retry count at the cap and age it again.
	retransmit, evicted := l.Sweep(base, 200*time.Millisecond, 3)
	require.Empty(t, retransmit)
	require.Equal(t, []uint64{1}, evicted)
	require.Equal(t, 0, l.Len())
}

func TestTouchRefreshesSentAt(t *testing.T) {
	l := New(50)
	base := time.Now()
	l.Insert(1, []byte("a"), base.Add(-1*time.Second))

	now := base
	l.Touch(1, now)

	retransmit, _ := l.Sweep(now, 200*time.Millisecond, 0)
	require.Empty(t, retransmit, "a freshly-touched entry should not look aged")
}

func TestConcurrentInsertRemove(t *testing.T) {
	l := New(1000)
	var wg sync.WaitGroup
	for i := uint64(1); i <= 500; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			l.Insert(seq, []byte("x"), time.Now())
			l.Remove(seq)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, l.Len())
}
