package semdex

import (
	"github.com/gridmart/semdex/blobstore"
	"github.com/gridmart/semdex/descriptor"
	"github.com/gridmart/semdex/embed"
	"github.com/gridmart/semdex/index"
	"github.com/gridmart/semdex/snapshot"
)

// Common error conditions, re-exported so callers can match with
// errors.Is without importing every subpackage.
var (
	// ErrNotReady means no index generation has been built or loaded.
	ErrNotReady = index.ErrNotReady

	// ErrNoRows means a build found nothing to index.
	ErrNoRows = index.ErrNoRows

	// ErrTerminated is returned for work still pending when the engine
	// shuts down.
	ErrTerminated = embed.ErrTerminated

	// ErrNotFound means a snapshot blob is missing from the store.
	ErrNotFound = blobstore.ErrNotFound

	// ErrNoDescriptor means nothing has been published yet.
	ErrNoDescriptor = descriptor.ErrEmpty

	// ErrSnapshotFormat means a snapshot blob is corrupt and was not
	// applied.
	ErrSnapshotFormat = snapshot.ErrFormat
)
