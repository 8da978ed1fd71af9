// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package striper maps byte ranges of a volume onto the backing objects of a
// striped object set. It plays the role mapproxy/sectormap plays for bs3's
// flat sector map, except the mapping here is the closed-form striping
// formula an external striping library would otherwise own: with
// s = object-size / stripe-unit stripe units per object and N = stripe-count,
// stripe-unit i lies in object set i / (N*s), in object
// (i mod N) + (i / (N*s)) * N, at object offset
// ((i mod (N*s)) / N) * stripe-unit.
package striper

const (
	// typicalExtentsPerObject sizes the initial allocation for one
	// object's extent list. In the worst case reallocation happens.
	typicalExtentsPerObject = 8
)

// Layout describes the striping parameters of a volume: the size of one
// backing object, the size of one stripe unit, and how many objects a single
// stripe-unit stride spans before wrapping back to the first object.
type Layout struct {
	ObjectSize  int64
	StripeUnit  int64
	StripeCount int64
}

// BufferSlice is a (offset, length) window into the caller's source or
// destination buffer that one object extent should gather from or scatter
// into.
type BufferSlice struct {
	Offset int64
	Length int64
}

// Extent is one contiguous run within a single backing object, together with
// the buffer windows that supply or receive its bytes.
type Extent struct {
	ObjectID     int64
	ObjectOffset int64
	Length       int64
	Buffers      []BufferSlice
}

// Map splits [fileOffset, fileOffset+fileLength) into per-object extents
// according to layout, attributing bufferBaseOffset..+fileLength of the
// caller's buffer across them in order. A zero-length request returns an
// empty mapping and never touches the object store.
func Map(layout Layout, fileOffset, fileLength, bufferBaseOffset int64) map[int64][]Extent {
	result := make(map[int64][]Extent)
	if fileLength <= 0 {
		return result
	}

	stripesPerObjectSet := layout.ObjectSize / layout.StripeUnit

	offset := fileOffset
	remaining := fileLength
	bufOffset := bufferBaseOffset

	for remaining > 0 {
		stripeUnitNo := offset / layout.StripeUnit
		stripeUnitOffset := offset % layout.StripeUnit

		objectSetNo := stripeUnitNo / (layout.StripeCount * stripesPerObjectSet)
		stripeWithinSet := stripeUnitNo % (layout.StripeCount * stripesPerObjectSet)
		objectInSet := stripeWithinSet % layout.StripeCount
		objectStripe := stripeWithinSet / layout.StripeCount
		objectID := objectInSet + objectSetNo*layout.StripeCount

		objectOffset := objectStripe*layout.StripeUnit + stripeUnitOffset

		chunk := layout.StripeUnit - stripeUnitOffset
		if chunk > remaining {
			chunk = remaining
		}

		extents := result[objectID]
		if len(extents) > 0 {
			last := &extents[len(extents)-1]
			if last.ObjectOffset+last.Length == objectOffset {
				last.Length += chunk
				last.Buffers = append(last.Buffers, BufferSlice{bufOffset, chunk})
				offset += chunk
				remaining -= chunk
				bufOffset += chunk
				continue
			}
		}

		if extents == nil {
			extents = make([]Extent, 0, typicalExtentsPerObject)
		}
		extents = append(extents, Extent{
			ObjectID:     objectID,
			ObjectOffset: objectOffset,
			Length:       chunk,
			Buffers:      []BufferSlice{{bufOffset, chunk}},
		})
		result[objectID] = extents

		offset += chunk
		remaining -= chunk
		bufOffset += chunk
	}

	return result
}
