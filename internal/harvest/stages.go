// Package harvest runs the extract, transform and load stages driven by the
// controller.
package harvest

import "context"

// Extractor reads raw records from a source.
type Extractor[R any] interface {
	// SourceHash fingerprints the current source state.
	SourceHash(ctx context.Context) (string, error)
	// Size returns the number of records the source holds.
	Size(ctx context.Context) (int, error)
	// Extract calls yield for every record in [from, to) in index order.
	// A non-nil error from yield stops the extraction and is returned.
	Extract(ctx context.Context, from, to int, yield func(index int, rec R) error) error
}

// Transformer turns a raw record into a document.
type Transformer[R, D any] interface {
	Transform(rec R) (D, error)
	// Identify returns the document id. An empty id keeps the document out
	// of the version cache.
	Identify(doc D) string
}

// Loader writes documents to the destination.
type Loader[D any] interface {
	Load(ctx context.Context, docs []D) error
	Delete(ctx context.Context, ids []string) error
}
