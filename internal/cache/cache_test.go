package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore"
	"github.com/asch/rbdcore/internal/objectstore/null"
)

func TestWriteTaggedHeldUntilReleased(t *testing.T) {
	proxy := objectio.New(null.New(), 1, 4096)
	c := New(proxy)

	var snapc objectstore.SnapContext
	done := make(chan errno.Errno, 1)
	c.WriteTagged(7, 1, 0, []byte("data"), snapc, func(e errno.Errno) { done <- e })

	select {
	case <-done:
		t.Fatal("write dispatched before its tag was released")
	default:
	}

	c.ReleaseTag(7)
	require.Equal(t, errno.OK, <-done)
}

func TestReleaseTagOnlyAffectsItsOwnTid(t *testing.T) {
	proxy := objectio.New(null.New(), 1, 4096)
	c := New(proxy)

	var snapc objectstore.SnapContext
	doneA := make(chan errno.Errno, 1)
	doneB := make(chan errno.Errno, 1)
	c.WriteTagged(1, 1, 0, []byte("a"), snapc, func(e errno.Errno) { doneA <- e })
	c.WriteTagged(2, 1, 0, []byte("b"), snapc, func(e errno.Errno) { doneB <- e })

	c.ReleaseTag(1)
	require.Equal(t, errno.OK, <-doneA)

	select {
	case <-doneB:
		t.Fatal("tag 2 released by releasing tag 1")
	default:
	}

	c.ReleaseTag(2)
	require.Equal(t, errno.OK, <-doneB)
}
