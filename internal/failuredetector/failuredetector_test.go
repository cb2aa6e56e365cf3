package failuredetector

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstRequestSeenArmsTimerAndFiresOnExpiry(t *testing.T) {
	var fired int32
	d := New(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Seen("a")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestExecutingOldestBeforeDeadlineSuppressesFailure(t *testing.T) {
	var fired int32
	d := New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Seen("a")
	d.Executed("a")

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestSecondRequestDoesNotRestartTimer(t *testing.T) {
	var fired int32
	d := New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Seen("a")
	time.Sleep(15 * time.Millisecond)
	d.Seen("b") // must not push the deadline out

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestExecutingOldestRearmsForRemaining(t *testing.T) {
	var fired int32
	d := New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Seen("a")
	d.Seen("b")
	d.Executed("a") // "a" was oldest; "b" remains outstanding, timer re-arms

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"b"}, d.Pending())
}

func TestExecutingNonOldestDoesNotTouchTimer(t *testing.T) {
	var fired int32
	d := New(25*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Seen("a")
	d.Seen("b")
	d.Executed("b")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestDuplicateSeenIsNoop(t *testing.T) {
	d := New(time.Second, func() {})
	d.Seen("a")
	d.Seen("a")
	require.Equal(t, []string{"a"}, d.Pending())
}
