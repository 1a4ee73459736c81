// Package mirror delivers documents to the downstream integration sink.
//
// A Sink must be idempotent per document key: delivering a key that is
// already present reports written=false and no error.
package mirror

import (
	"context"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// Item is one document to deliver.
type Item struct {
	TaxID   string
	Period  fiscal.Period
	Class   fiscal.Class
	Role    fiscal.Role
	Key     fiscal.DocumentKey
	Content []byte
}

// Sink receives mirrored documents.
type Sink interface {
	// Put delivers item. written is false when the sink already held it.
	Put(ctx context.Context, item Item) (written bool, err error)
}
