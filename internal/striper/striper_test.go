package striper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapEmptyRequest(t *testing.T) {
	layout := Layout{ObjectSize: 4 << 20, StripeUnit: 4 << 20, StripeCount: 1}
	extents := Map(layout, 0, 0, 0)
	require.Empty(t, extents)
}

func TestMapSingleObjectNoStriping(t *testing.T) {
	layout := Layout{ObjectSize: 4 << 20, StripeUnit: 4 << 20, StripeCount: 1}
	extents := Map(layout, 100, 200, 0)

	require.Len(t, extents, 1)
	object0 := extents[0]
	require.Len(t, object0, 1)
	require.Equal(t, int64(100), object0[0].ObjectOffset)
	require.Equal(t, int64(200), object0[0].Length)
}

func TestMapAcrossStripeUnits(t *testing.T) {
	// 2 objects per object set, 4k objects and stripe units: writing 8k
	// starting at offset 2k must land on object 0 (tail of the first
	// stripe unit), object 1 (one full stripe unit), then on object 2, the
	// first object of the next object set.
	layout := Layout{ObjectSize: 4096, StripeUnit: 4096, StripeCount: 2}
	extents := Map(layout, 2048, 8192, 0)

	require.Len(t, extents[0], 1)
	require.Len(t, extents[1], 1)

	require.Equal(t, int64(2048), extents[0][0].ObjectOffset)
	require.Equal(t, int64(2048), extents[0][0].Length)

	require.Equal(t, int64(0), extents[1][0].ObjectOffset)
	require.Equal(t, int64(4096), extents[1][0].Length)

	require.Equal(t, int64(0), extents[2][0].ObjectOffset)
	require.Equal(t, int64(2048), extents[2][0].Length)
}

func TestMapBufferSlicesCoverWholeSource(t *testing.T) {
	layout := Layout{ObjectSize: 4096, StripeUnit: 4096, StripeCount: 2}
	extents := Map(layout, 0, 8192, 1000)

	var total int64
	for _, perObject := range extents {
		for _, e := range perObject {
			for _, b := range e.Buffers {
				total += b.Length
			}
		}
	}
	require.Equal(t, int64(8192), total)
}
