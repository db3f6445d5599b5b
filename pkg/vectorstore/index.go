// Package vectorstore stores article and event embeddings and answers
// nearest-neighbour queries for historical context.
package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Kind distinguishes indexed articles from indexed events.
type Kind string

const (
	KindArticle Kind = "article"
	KindEvent   Kind = "event"
)

// Record is one vector plus the metadata returned on a match.
type Record struct {
	SourceID string // article ID or event key
	Kind     Kind
	Headline string
	Date     string
	EventKey string
	Vector   []float32
}

// Match is a query hit. Similarity is cosine similarity in [-1, 1].
type Match struct {
	SourceID   string
	Kind       Kind
	Headline   string
	Date       string
	EventKey   string
	Similarity float64
}

// Filter narrows a query. An empty filter matches everything.
type Filter struct {
	Kinds []Kind
}

// Index is an append-only vector index.
type Index interface {
	// Upsert adds records. Records whose ID already exists are left as they
	// are and are not an error.
	Upsert(ctx context.Context, recs []Record) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
}

var namespace = uuid.MustParse("3f1b8f0e-6a52-4b8e-9a57-1c9d1f0b7a41")

// ObjectID derives the deterministic object UUID for a record.
func ObjectID(kind Kind, sourceID string) string {
	return uuid.NewSHA1(namespace, []byte(string(kind)+":"+sourceID)).String()
}
