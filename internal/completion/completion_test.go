package completion

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/rbdcore/internal/errno"
)

func TestFiresExactlyOnceAfterChildrenAndFinish(t *testing.T) {
	var calls int
	var result errno.Errno
	agg := New(func(r errno.Errno) {
		calls++
		result = r
	})

	agg.AddChild()
	agg.AddChild()
	agg.FinishAddingRequests()

	require.Equal(t, 0, calls, "callback must not fire before children complete")

	agg.CompleteChild(errno.OK)
	require.Equal(t, 0, calls)

	agg.CompleteChild(errno.OK)
	require.Equal(t, 1, calls)
	require.Equal(t, errno.OK, result)
}

func TestWorstErrorWins(t *testing.T) {
	var result errno.Errno
	agg := New(func(r errno.Errno) { result = r })

	agg.AddChild()
	agg.AddChild()
	agg.CompleteChild(errno.ErrNotFound)
	agg.CompleteChild(errno.ErrPerm)
	agg.FinishAddingRequests()

	require.Equal(t, errno.ErrPerm, result)
}

func TestFailForcesImmediateTerminalDispatch(t *testing.T) {
	var calls int
	agg := New(func(r errno.Errno) { calls++ })
	agg.AddChild()

	agg.Fail(errno.ErrReadOnly)
	require.Equal(t, 1, calls)

	// A late child reporting after Fail must not refire the callback.
	agg.CompleteChild(errno.OK)
	require.Equal(t, 1, calls)
}

func TestConcurrentChildrenFireOnce(t *testing.T) {
	const n = 100
	var calls int
	var mu sync.Mutex
	agg := New(func(errno.Errno) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		agg.AddChild()
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.CompleteChild(errno.OK)
		}()
	}
	agg.FinishAddingRequests()
	wg.Wait()

	require.Equal(t, 1, calls)
}
