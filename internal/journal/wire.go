// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package journal

import (
	"bytes"
	"encoding/gob"
)

// EventEntry is the tagged union of the three event variants this core
// emits, encoded with encoding/gob the same way sectormap gob-encodes its
// checkpoint. Exactly one of the three fields is set.
type EventEntry struct {
	Write   *WriteEvent
	Discard *DiscardEvent
	Flush   *FlushEvent
}

// WriteEvent records a journaled aio_write.
type WriteEvent struct {
	Offset int64
	Length int64
	Data   []byte
}

// DiscardEvent records a journaled aio_discard.
type DiscardEvent struct {
	Offset int64
	Length int64
}

// FlushEvent records a journaled aio_flush. It carries no extent.
type FlushEvent struct{}

// Encode serializes an EventEntry for handoff to the Journaler.
func Encode(e EventEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode, used during replay.
func Decode(data []byte) (EventEntry, error) {
	var e EventEntry
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e)
	return e, err
}
