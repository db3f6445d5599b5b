// Package embedding turns text into vectors for historical similarity search.
package embedding

import "context"

// Result holds one vector per input text plus the tokens billed.
type Result struct {
	Vectors [][]float32
	Tokens  int
}

// Embedder computes text embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*Result, error)
	Model() string
}
