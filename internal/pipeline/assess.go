package pipeline

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/resilience"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

const stageAssess = "assess"

// maxAssessContent caps article text sent to the model.
const maxAssessContent = 12000

//go:embed examples.yaml
var defaultExamples []byte

// Example is one few-shot article and the expected JSON assessment.
type Example struct {
	Article  string `yaml:"article"`
	Response string `yaml:"response"`
}

type exampleFile struct {
	Examples []Example `yaml:"examples"`
}

// LoadExamples reads few-shot examples from path, or the built-in set when
// path is empty.
func LoadExamples(path string) ([]Example, error) {
	data := defaultExamples
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "assess: read examples %s", path)
		}
		data = b
	}
	var f exampleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "assess: parse examples")
	}
	if len(f.Examples) == 0 {
		return nil, eris.New("assess: no examples defined")
	}
	return f.Examples, nil
}

// Assessment is the structured deep-assessment reply.
type Assessment struct {
	RelevanceArticle  int                   `json:"relevance_article" validate:"min=0,max=100"`
	AssessmentArticle string                `json:"assessment_article" validate:"required"`
	TransactionType   string                `json:"transactionType"`
	KeyIndividuals    []model.KeyIndividual `json:"key_individuals" validate:"dive"`
	Tags              []string              `json:"tags"`
	OneLineSummary    string                `json:"one_line_summary" validate:"required"`
}

const assessSystemPrompt = `You are a research analyst for a private wealth advisory team. Assess one news article for what it reveals about private wealth: owners, founders, families and their liquidity events.

Return JSON only with these fields:
- relevance_article: integer 0-100, how useful the article is for identifying private wealth holders with a current or imminent liquidity event.
- assessment_article: one sentence explaining the score.
- transactionType: one of "M&A", "IPO", "Funding", "Succession", "Liquidity", "Real Estate", "Other", "None".
- key_individuals: people named in the article who hold or receive the wealth, with name, role, company and email_guess (empty when unknown). Only use names that appear in the article.
- tags: short lowercase topic tags.
- one_line_summary: one line naming the principal entities and the action.

Examples:
%s`

func assessSystem(examples []Example) []anthropic.SystemBlock {
	var b strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&b, "\nExample %d article:\n%s\nExample %d response:\n%s\n",
			i+1, strings.TrimSpace(ex.Article), i+1, strings.TrimSpace(ex.Response))
	}
	return anthropic.CachedSystem(fmt.Sprintf(assessSystemPrompt, b.String()))
}

// AssessPhase deep-assesses each article with a bounded number of
// concurrent calls. Failed articles keep their EnrichmentError set and are
// still returned so they can be persisted for audit.
func AssessPhase(ctx context.Context, rc *RunContext, inv *llm.Invoker, articles []model.Article, examples []Example, aiCfg config.AnthropicConfig, cfg config.PipelineConfig) []model.Article {
	out := make([]model.Article, len(articles))
	copy(out, articles)
	if len(out) == 0 {
		return out
	}

	system := assessSystem(examples)
	limit := cfg.AssessConcurrency
	if limit <= 0 {
		limit = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range out {
		g.Go(func() error {
			assessArticle(gctx, rc, inv, &out[i], system, aiCfg)
			return nil
		})
	}
	_ = g.Wait()

	var assessed, errored int
	for _, a := range out {
		if a.EnrichmentError != "" {
			errored++
			continue
		}
		assessed++
	}
	rc.Update(func(s *model.RunStats) {
		s.ArticlesAssessed += assessed
		s.ArticlesErrored += errored
	})
	rc.Log.Info("assess: complete",
		zap.Int("assessed", assessed),
		zap.Int("errored", errored),
	)
	return out
}

func assessArticle(ctx context.Context, rc *RunContext, inv *llm.Invoker, a *model.Article, system []anthropic.SystemBlock, aiCfg config.AnthropicConfig) {
	body := a.Content
	if body == "" {
		body = a.Snippet
	}
	user := fmt.Sprintf("Headline: %s\nSource: %s\n\n%s", a.Headline, a.SourceName, truncate(body, maxAssessContent))

	reply, usage, err := llm.Invoke[Assessment](ctx, inv, llm.Request{
		Stage:     stageAssess,
		Model:     aiCfg.AssessModel,
		System:    system,
		User:      user,
		MaxTokens: 1024,
	})
	rc.recordCall(stageAssess, aiCfg.AssessModel, usage, err)
	if err != nil {
		a.EnrichmentError = fmt.Sprintf("%s: %v", resilience.Classify(err), err)
		return
	}

	kept, dropped := GroundIndividuals(a.Text(), reply.KeyIndividuals)
	if dropped > 0 {
		rc.Log.Debug("assess: discarded ungrounded individuals",
			zap.String("link", a.Link),
			zap.Int("dropped", dropped),
		)
		rc.Update(func(s *model.RunStats) { s.IndividualsDiscarded += dropped })
	}

	a.RelevanceArticle = reply.RelevanceArticle
	a.AssessmentArticle = strings.TrimSpace(reply.AssessmentArticle)
	a.TransactionType = ParseTransactionType(reply.TransactionType)
	a.KeyIndividuals = kept
	a.Tags = normalizeTags(reply.Tags)
	a.OneLineSummary = strings.TrimSpace(reply.OneLineSummary)
	a.EnrichmentError = ""
}

// ParseTransactionType maps model output onto the known transaction types,
// case-insensitively. Unknown values become Other; empty becomes None.
func ParseTransactionType(s string) model.TransactionType {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.TransactionNone
	}
	for _, t := range []model.TransactionType{
		model.TransactionMA, model.TransactionIPO, model.TransactionFunding,
		model.TransactionSuccession, model.TransactionLiquidity,
		model.TransactionRealEstate, model.TransactionOther, model.TransactionNone,
	} {
		if strings.EqualFold(s, string(t)) {
			return t
		}
	}
	switch strings.ToLower(s) {
	case "m and a", "merger", "acquisition", "sale":
		return model.TransactionMA
	}
	return model.TransactionOther
}

// GroundIndividuals keeps only the individuals whose full name, or one of
// whose name tokens longer than two characters, appears in text. Matching
// ignores case and diacritics.
func GroundIndividuals(text string, individuals []model.KeyIndividual) ([]model.KeyIndividual, int) {
	folded := model.Fold(text)
	kept := make([]model.KeyIndividual, 0, len(individuals))
	for _, ki := range individuals {
		if grounded(folded, ki.Name) {
			ki.Name = strings.TrimSpace(ki.Name)
			kept = append(kept, ki)
		}
	}
	return kept, len(individuals) - len(kept)
}

func grounded(foldedText, name string) bool {
	name = model.Fold(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	if strings.Contains(foldedText, name) {
		return true
	}
	for _, tok := range strings.Fields(name) {
		tok = strings.Trim(tok, `.,;:'"()`)
		if utf8.RuneCountInString(tok) > 2 && strings.Contains(foldedText, tok) {
			return true
		}
	}
	return false
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
