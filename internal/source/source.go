// Package source defines the upstream document source contract consumed by
// the engine, plus decorators and an offline directory-backed source.
//
// Wire protocol, authentication and transport-level retries live behind
// this interface. Each call either succeeds, succeeds with the canonical
// no-data marker, or fails with a single error.
package source

import (
	"context"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// NoDataMarker is the message upstream uses to state that a period has no
// documents for the requested class.
const NoDataMarker = "EmptyReport"

// Manifest is the upstream list of document keys for one
// (entity, period, class).
type Manifest struct {
	Keys []fiscal.DocumentKey

	// NoData is set only when the response carried NoDataMarker. An empty
	// key list without it is not a confirmation of anything.
	NoData bool
}

// Source fetches manifests and documents from upstream.
type Source interface {
	FetchManifest(ctx context.Context, taxID string, class fiscal.Class, period fiscal.Period) (Manifest, error)
	FetchBatch(ctx context.Context, taxID string, class fiscal.Class, role fiscal.Role, period fiscal.Period, offset, limit int) ([]fiscal.Document, error)
	FetchSingle(ctx context.Context, key fiscal.DocumentKey, class fiscal.Class) (fiscal.Document, error)
}
