// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package journal

// Future is the handle returned by a Journaler append, the same shape
// journal::Future plays in the original source: callers attach either a
// lightweight "acked" wait or a stronger "flushed" wait.
type Future interface {
	// Wait registers onSafe to fire once this entry is durable.
	Wait(onSafe func(err error))
	// Flush behaves like Wait but additionally requests that the
	// journaler flush up through this entry rather than waiting for a
	// batched ack.
	Flush(onSafe func(err error))
}

// Entry is one previously-appended record surfaced during replay.
type Entry struct {
	Data []byte
}

// Journaler is the durable write-ahead log collaborator the journal
// coordinator appends events through and replays from on open. It is the
// external collaborator spec.md places out of this module's core scope;
// internal/journal/filejournal and internal/journal/memjournal are the two
// concrete implementations this module ships.
type Journaler interface {
	// Open prepares the journaler for appends and replay, analogous to
	// journal::Journaler::init.
	Open() error

	// Replay returns every previously-committed entry in append order.
	Replay() ([]Entry, error)

	// Append submits data as a new entry and returns a Future tracking
	// its durability.
	Append(data []byte) (Future, error)

	// Close releases the journaler's resources.
	Close() error
}
