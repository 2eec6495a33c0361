package domain

import "context"

// UpsertDoc is one partial-document upsert in a bulk request.
type UpsertDoc struct {
	ID  string
	Doc any
}

// SearchIndex applies partial-document upserts. Missing documents are
// created from the partial body.
type SearchIndex interface {
	BulkUpsert(ctx context.Context, index string, docs []UpsertDoc) error
}
