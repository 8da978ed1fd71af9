// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memjournal implements an in-memory journal.Journaler, used by the
// test suite the way internal/objectstore/null stands in for a real object
// store backend. cmd/rbdcored does not use it: it journals through
// filejournal on every backend, the null one included.
package memjournal

import (
	"errors"
	"sync"

	"github.com/asch/rbdcore/internal/journal"
)

type future struct{}

func (f *future) Wait(onSafe func(err error))  { onSafe(nil) }
func (f *future) Flush(onSafe func(err error)) { onSafe(nil) }

// Journal stores every appended record in a slice, never persisting
// anything to disk.
type Journal struct {
	mu      sync.Mutex
	records [][]byte
	open    bool
}

// New returns an unopened Journal.
func New() *Journal {
	return &Journal{}
}

func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.open = true
	return nil
}

func (j *Journal) Replay() ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.open {
		return nil, errors.New("memjournal: not open")
	}

	entries := make([]journal.Entry, len(j.records))
	for i, r := range j.records {
		entries[i] = journal.Entry{Data: r}
	}
	return entries, nil
}

func (j *Journal) Append(data []byte) (journal.Future, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.open {
		return nil, errors.New("memjournal: not open")
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	j.records = append(j.records, cp)
	return &future{}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.open = false
	return nil
}
