package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// ErrCardinalityMismatch is returned when a batched call yields a different
// number of results than the chunk it was given.
var ErrCardinalityMismatch = eris.New("llm: result count does not match chunk size")

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// ChunkByBudget splits items so that no chunk exceeds maxItems elements or
// the summed weight budget. An item heavier than budget gets its own chunk.
func ChunkByBudget[T any](items []T, weight func(T) int, maxItems, budget int) [][]T {
	var out [][]T
	var cur []T
	used := 0
	for _, it := range items {
		w := weight(it)
		full := maxItems > 0 && len(cur) >= maxItems
		over := budget > 0 && len(cur) > 0 && used+w > budget
		if full || over {
			out = append(out, cur)
			cur, used = nil, 0
		}
		cur = append(cur, it)
		used += w
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Batch is the outcome of processing one chunk.
type Batch[I, O any] struct {
	Items []I
	Out   []O
	Err   error
}

// ProcessChunks runs fn over items in chunks of size, at most limit chunks at
// once. Each chunk's output must have exactly one result per input item;
// otherwise the batch carries ErrCardinalityMismatch. Per-chunk failures are
// reported on the batch and never abort sibling chunks. Batches are returned
// in input order.
func ProcessChunks[I, O any](ctx context.Context, items []I, size, limit int, fn func(ctx context.Context, chunk []I) ([]O, error)) []Batch[I, O] {
	chunks := Chunk(items, size)
	batches := make([]Batch[I, O], len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	var mu sync.Mutex
	for i, chunk := range chunks {
		g.Go(func() error {
			out, err := fn(gctx, chunk)
			if err == nil && len(out) != len(chunk) {
				err = eris.Wrap(ErrCardinalityMismatch, fmt.Sprintf("got %d results for %d items", len(out), len(chunk)))
				out = nil
			}
			mu.Lock()
			batches[i] = Batch[I, O]{Items: chunk, Out: out, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return batches
}
