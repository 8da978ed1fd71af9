package objectio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/objectstore"
	"github.com/asch/rbdcore/internal/objectstore/null"
)

func TestDiscardSelectsByGeometry(t *testing.T) {
	const objSize = int64(4096)
	var snapc objectstore.SnapContext

	r := NewDiscard(1, 0, objSize, objSize, snapc, false, nil)
	require.Equal(t, OpRemove, r.Op)

	r = NewDiscard(1, 100, objSize-100, objSize, snapc, false, nil)
	require.Equal(t, OpTruncate, r.Op)

	r = NewDiscard(1, 100, 50, objSize, snapc, false, nil)
	require.Equal(t, OpZero, r.Op)
}

func TestDiscardSkipsPartialWhenConfigured(t *testing.T) {
	var snapc objectstore.SnapContext
	r := NewDiscard(1, 100, 50, 4096, snapc, true, nil)
	require.Nil(t, r)
}

func TestProxyDispatchesAndReportsCompletion(t *testing.T) {
	store := null.New()
	p := New(store, 2, 4096)

	var wg sync.WaitGroup
	wg.Add(1)
	var got errno.Errno
	var snapc objectstore.SnapContext
	p.Submit(NewWrite(1, 0, []byte("hello"), snapc, func(e errno.Errno) {
		got = e
		wg.Done()
	}))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write completion")
	}
	require.Equal(t, errno.OK, got)
}
