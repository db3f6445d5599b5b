// Package fetcher retrieves source listing pages and article bodies.
package fetcher

import (
	"context"
	"fmt"

	"github.com/sells-group/wealth-intel/internal/model"
)

// Fetcher is the scrape capability the pipeline depends on.
type Fetcher interface {
	// FetchHeadlines loads the source listing page and extracts headlines
	// with the source's selectors. Zero matches is not an error.
	FetchHeadlines(ctx context.Context, src model.Source) ([]model.Headline, error)

	// FetchArticleContent loads an article and returns its body text.
	FetchArticleContent(ctx context.Context, url, selector string) (string, error)
}

// BlockedError reports that a page was served an anti-bot challenge instead
// of content.
type BlockedError struct {
	URL  string
	Type BlockType
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("fetcher: blocked by %s at %s", e.Type, e.URL)
}

// StatusError reports a non-2xx response that was not retried.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: unexpected status %d from %s", e.Status, e.URL)
}
