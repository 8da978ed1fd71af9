// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package null implements objectstore.Store doing nothing but correctly,
// the same role internal/null played for bs3: a trivial backend for
// measuring the core's own dispatch overhead and for tests that don't care
// about durability.
package null

import (
	"context"

	"github.com/asch/rbdcore/internal/objectstore"
)

type store struct{}

// New returns a Store that acknowledges every write and reads back zeroes.
func New() objectstore.Store {
	return &store{}
}

func (s *store) Write(context.Context, int64, int64, []byte, objectstore.SnapContext) error {
	return nil
}

func (s *store) Read(_ context.Context, _ int64, _ int64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (s *store) Zero(context.Context, int64, int64, int64, objectstore.SnapContext) error {
	return nil
}

func (s *store) Truncate(context.Context, int64, int64, objectstore.SnapContext) error {
	return nil
}

func (s *store) Remove(context.Context, int64, objectstore.SnapContext) error {
	return nil
}
