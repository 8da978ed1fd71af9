// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objectstore defines the backing-object surface the core consumes.
// It generalizes objproxy's ObjectUploadDownloaderAt from a single
// Upload/DownloadAt pair to the five primitives C2 dispatches: read, write,
// zero, truncate and remove. Concrete transports (s3, null) implement it;
// the transport's own network RPC is out of this module's scope.
package objectstore

import "context"

// SnapContext is the list of snapshot ids a write must remain visible to,
// threaded through unmodified from the volume context down to the backend.
type SnapContext struct {
	Seq     int64
	SnapIDs []int64
}

// Store is the backing-object surface consumed by internal/objectio. Every
// method reports completion through the returned error; object-store
// implementations are otherwise free to serve requests synchronously or
// asynchronously internally; the core does not care which.
type Store interface {
	// Write stores buf at offset within object id, visible to snapc.
	Write(ctx context.Context, id int64, offset int64, buf []byte, snapc SnapContext) error

	// Read fetches len(buf) bytes from object id starting at offset. A
	// missing object reads as zeroes, per spec.md's read semantics.
	Read(ctx context.Context, id int64, offset int64, buf []byte) error

	// Zero clears [offset, offset+length) within object id without
	// removing the object or truncating its tail.
	Zero(ctx context.Context, id int64, offset, length int64, snapc SnapContext) error

	// Truncate shortens object id to offset bytes.
	Truncate(ctx context.Context, id int64, offset int64, snapc SnapContext) error

	// Remove deletes object id entirely.
	Remove(ctx context.Context, id int64, snapc SnapContext) error
}
