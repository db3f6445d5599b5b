package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/fetcher"
	"github.com/sells-group/wealth-intel/internal/model"
)

// LinkChecker reports which links are already persisted.
type LinkChecker interface {
	ExistingLinks(ctx context.Context, links []string) (map[string]bool, error)
}

// ScrapeResult is the output of the scrape phase.
type ScrapeResult struct {
	Candidates  []model.Article
	SkippedSeen int
}

type sourceHeadlines struct {
	src       model.Source
	headlines []model.Headline
}

// ScrapePhase fetches headlines for every source under a concurrency limit,
// records each outcome on tracker, and returns the unseen headlines as
// unpersisted article candidates. Per-source failures never fail the phase;
// only the persisted-link lookup can.
func ScrapePhase(ctx context.Context, rc *RunContext, sources []model.Source, f fetcher.Fetcher, links LinkChecker, tracker *HealthTracker, cfg config.ScrapeConfig) (*ScrapeResult, error) {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 3
	}

	results := make([]sourceHeadlines, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, src := range sources {
		g.Go(func() error {
			headlines, report := scrapeSource(gctx, f, src, cfg.TimeoutSecs)
			tracker.Record(report)
			if report.Success {
				results[i] = sourceHeadlines{src: src, headlines: headlines}
			}
			return nil
		})
	}
	_ = g.Wait()

	candidates := collectCandidates(rc, results)
	res := &ScrapeResult{}

	if len(candidates) > 0 {
		linkList := make([]string, len(candidates))
		for i, a := range candidates {
			linkList[i] = a.Link
		}
		seen, err := links.ExistingLinks(ctx, linkList)
		if err != nil {
			return nil, eris.Wrap(err, "scrape: existing links")
		}
		fresh := candidates[:0]
		for _, a := range candidates {
			if seen[a.Link] {
				res.SkippedSeen++
				continue
			}
			fresh = append(fresh, a)
		}
		candidates = fresh
	}

	if cfg.FetchContent && len(candidates) > 0 {
		fetchContent(ctx, rc, f, candidates, sources, limit)
	}
	res.Candidates = candidates

	reports := tracker.Reports()
	rc.Update(func(s *model.RunStats) {
		s.SourcesTotal += len(reports)
		for _, r := range reports {
			if r.Success {
				s.SourcesSucceeded++
			} else {
				s.SourcesFailed++
			}
		}
		s.ArticlesScraped += len(candidates)
		s.ArticlesSkippedSeen += res.SkippedSeen
	})
	rc.Log.Info("scrape: complete",
		zap.Int("sources", len(sources)),
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped_seen", res.SkippedSeen),
	)
	return res, nil
}

// scrapeSource fetches one source and builds its health report. Zero
// headlines is a failure attributed to the headline selector.
func scrapeSource(ctx context.Context, f fetcher.Fetcher, src model.Source, timeoutSecs int) ([]model.Headline, model.SourceReport) {
	report := model.SourceReport{SourceID: src.ID, SourceName: src.Name}

	if timeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
		defer cancel()
	}

	headlines, err := f.FetchHeadlines(ctx, src)
	if err != nil {
		report.Error = describeFetchError(err)
		return nil, report
	}

	valid := make([]model.Headline, 0, len(headlines))
	for _, h := range headlines {
		if strings.TrimSpace(h.Title) == "" || h.Link == "" {
			continue
		}
		valid = append(valid, h)
	}
	if len(valid) == 0 {
		report.Error = "no headlines matched selector"
		report.FailedSelector = src.HeadlineSelector
		return nil, report
	}

	report.Success = true
	report.Count = len(valid)
	return valid, report
}

func describeFetchError(err error) string {
	var blocked *fetcher.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Sprintf("blocked (%s)", blocked.Type)
	}
	var status *fetcher.StatusError
	if errors.As(err, &status) {
		return fmt.Sprintf("http status %d", status.Status)
	}
	return err.Error()
}

// collectCandidates flattens source headlines in source order, dropping
// links repeated within the run.
func collectCandidates(rc *RunContext, results []sourceHeadlines) []model.Article {
	var out []model.Article
	seen := make(map[string]bool)
	for _, r := range results {
		for _, h := range r.headlines {
			if seen[h.Link] {
				continue
			}
			seen[h.Link] = true
			out = append(out, model.Article{
				ID:         uuid.NewString(),
				Link:       h.Link,
				Headline:   strings.TrimSpace(h.Title),
				Snippet:    strings.TrimSpace(h.Snippet),
				SourceID:   r.src.ID,
				SourceName: r.src.Name,
				RunID:      rc.RunID,
				CreatedAt:  rc.StartedAt,
			})
		}
	}
	return out
}

// fetchContent loads article bodies in place. A failed fetch leaves the
// article with its headline and snippet only.
func fetchContent(ctx context.Context, rc *RunContext, f fetcher.Fetcher, articles []model.Article, sources []model.Source, limit int) {
	selectors := make(map[string]string, len(sources))
	for _, s := range sources {
		selectors[s.ID] = s.ContentSelector
	}

	var mu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range articles {
		g.Go(func() error {
			content, err := f.FetchArticleContent(gctx, articles[i].Link, selectors[articles[i].SourceID])
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				rc.Log.Debug("scrape: content fetch failed",
					zap.String("link", articles[i].Link),
					zap.Error(err),
				)
				return nil
			}
			articles[i].Content = content
			return nil
		})
	}
	_ = g.Wait()
	if failed > 0 {
		rc.Log.Info("scrape: content fetch failures", zap.Int("failed", failed), zap.Int("total", len(articles)))
	}
}
