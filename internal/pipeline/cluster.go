package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

const stageCluster = "cluster"

// maxFallbackTokens bounds how many headline tokens name a singleton event.
const maxFallbackTokens = 6

const clusterSystemPrompt = `You group news items that describe the SAME real-world transaction or event.
Two items belong together only if they clearly describe the same deal, succession or event involving the same principal entities. Different companies, different families or different deals are always separate groups. When unsure, put items in separate single-item groups.
Every input id must appear in exactly one group.
For each group give the principal entities (the wealth holders and the target company, not advisers or banks) and a short action verb phrase such as "sale", "ipo", "funding round", "succession".
Respond with JSON only: {"groups":[{"article_ids":["a1"],"entities":["..."],"action":"..."}]}`

type clusterGroup struct {
	ArticleIDs []string `json:"article_ids"`
	Entities   []string `json:"entities"`
	Action     string   `json:"action"`
}

type clusterReply struct {
	Groups []clusterGroup `json:"groups"`
}

// ClusterPhase partitions articles into events. Articles are chunked by
// count and estimated tokens; each chunk is one model call. The partition
// is enforced in code and leans toward singletons.
func ClusterPhase(ctx context.Context, rc *RunContext, inv *llm.Invoker, articles []model.Article, aiCfg config.AnthropicConfig, cfg config.PipelineConfig) []model.ArticleCluster {
	if len(articles) == 0 {
		return nil
	}

	chunks := llm.ChunkByBudget(articles, func(a model.Article) int {
		return llm.EstimateTokens(a.Headline + a.OneLineSummary)
	}, cfg.ClusterBatchSize, cfg.ClusterTokenBudget)

	merger := newClusterMerger()
	merger.register(articles)
	for _, chunk := range chunks {
		groups, err := clusterChunk(ctx, rc, inv, chunk, aiCfg)
		if err != nil {
			rc.Log.Warn("cluster: chunk failed, using singletons",
				zap.Int("size", len(chunk)), zap.Error(err))
			groups = nil
		}
		for _, g := range NormalizeGroups(chunk, groups) {
			merger.add(rc, g)
		}
	}

	clusters := merger.clusters()
	rc.Update(func(s *model.RunStats) { s.Clusters += len(clusters) })
	rc.Log.Info("cluster: complete",
		zap.Int("articles", len(articles)),
		zap.Int("chunks", len(chunks)),
		zap.Int("clusters", len(clusters)),
	)
	return clusters
}

// clusterChunk asks the model to group one chunk. Article IDs are replaced
// by short local ids (a1, a2, ...) in the prompt and mapped back here.
func clusterChunk(ctx context.Context, rc *RunContext, inv *llm.Invoker, chunk []model.Article, aiCfg config.AnthropicConfig) ([]ResolvedGroup, error) {
	var b strings.Builder
	for i, a := range chunk {
		fmt.Fprintf(&b, "id: a%d\nheadline: %s\nsummary: %s\n\n", i+1, a.Headline, a.OneLineSummary)
	}

	reply, usage, err := llm.Invoke[clusterReply](ctx, inv, llm.Request{
		Stage:     stageCluster,
		Model:     aiCfg.ClusterModel,
		System:    anthropic.CachedSystem(clusterSystemPrompt),
		User:      b.String(),
		MaxTokens: int64(256 + 64*len(chunk)),
	})
	rc.recordCall(stageCluster, aiCfg.ClusterModel, usage, err)
	if err != nil {
		return nil, err
	}

	groups := make([]ResolvedGroup, 0, len(reply.Groups))
	for _, g := range reply.Groups {
		rg := ResolvedGroup{Entities: g.Entities, Action: g.Action}
		for _, local := range g.ArticleIDs {
			n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(local), "a"))
			if err != nil || n < 1 || n > len(chunk) {
				continue
			}
			rg.ArticleIDs = append(rg.ArticleIDs, chunk[n-1].ID)
		}
		groups = append(groups, rg)
	}
	return groups, nil
}

// ResolvedGroup is a proposed group using real article IDs.
type ResolvedGroup struct {
	ArticleIDs []string
	Entities   []string
	Action     string
}

// NormalizeGroups turns proposed groups into a partition of chunk: unknown
// and repeated ids are dropped, missing articles become singletons, and
// multi-article groups go through precisionSplit. Singletons without
// grounded entities are named from their headline.
func NormalizeGroups(chunk []model.Article, groups []ResolvedGroup) []ResolvedGroup {
	byID := make(map[string]model.Article, len(chunk))
	for _, a := range chunk {
		byID[a.ID] = a
	}

	assigned := make(map[string]bool, len(chunk))
	var out []ResolvedGroup
	for _, g := range groups {
		var members []string
		for _, id := range g.ArticleIDs {
			if _, ok := byID[id]; !ok || assigned[id] {
				continue
			}
			assigned[id] = true
			members = append(members, id)
		}
		if len(members) == 0 {
			continue
		}
		if len(members) == 1 {
			out = append(out, singleton(byID[members[0]], g))
			continue
		}

		kept, split := precisionSplit(members, byID, g.Entities)
		for _, id := range split {
			out = append(out, singleton(byID[id], ResolvedGroup{}))
		}
		switch len(kept) {
		case 0:
		case 1:
			out = append(out, singleton(byID[kept[0]], g))
		default:
			out = append(out, ResolvedGroup{ArticleIDs: kept, Entities: g.Entities, Action: g.Action})
		}
	}

	for _, a := range chunk {
		if !assigned[a.ID] {
			out = append(out, singleton(a, ResolvedGroup{}))
		}
	}
	return out
}

// precisionSplit keeps a member only if the group's entity tokens found in
// its text overlap those of at least one other member. Everything else is
// split out.
func precisionSplit(members []string, byID map[string]model.Article, entities []string) (kept, split []string) {
	entityTokens := tokenSet(strings.Join(entities, " "))
	if len(entityTokens) == 0 {
		return nil, members
	}
	hits := make([]map[string]bool, len(members))
	for i, id := range members {
		a := byID[id]
		hits[i] = make(map[string]bool)
		for _, t := range model.SignificantTokens(a.Headline + " " + a.OneLineSummary) {
			if entityTokens[t] {
				hits[i][t] = true
			}
		}
	}
	for i, id := range members {
		if overlapsOther(hits, i) {
			kept = append(kept, id)
		} else {
			split = append(split, id)
		}
	}
	return kept, split
}

func overlapsOther(hits []map[string]bool, i int) bool {
	for j := range hits {
		if j == i {
			continue
		}
		for t := range hits[i] {
			if hits[j][t] {
				return true
			}
		}
	}
	return false
}

// singleton builds a one-article group, keeping g's naming only when the
// entities are grounded in the article.
func singleton(a model.Article, g ResolvedGroup) ResolvedGroup {
	entities, action := g.Entities, g.Action
	if len(entities) == 0 || !sharesToken(tokenSet(strings.Join(entities, " ")), a.Headline+" "+a.OneLineSummary) {
		toks := model.SignificantTokens(a.Headline)
		if len(toks) > maxFallbackTokens {
			toks = toks[:maxFallbackTokens]
		}
		entities, action = toks, ""
	}
	return ResolvedGroup{ArticleIDs: []string{a.ID}, Entities: entities, Action: action}
}

func tokenSet(s string) map[string]bool {
	toks := model.SignificantTokens(s)
	set := make(map[string]bool, len(toks))
	for _, t := range toks {
		set[t] = true
	}
	return set
}

func sharesToken(set map[string]bool, text string) bool {
	for _, t := range model.SignificantTokens(text) {
		if set[t] {
			return true
		}
	}
	return false
}

// clusterMerger collects groups across chunks, merging groups whose event
// keys collide, in first-seen order.
type clusterMerger struct {
	byKey map[string]int
	out   []model.ArticleCluster
	seen  map[string]bool
	arts  map[string]model.Article
}

func newClusterMerger() *clusterMerger {
	return &clusterMerger{
		byKey: make(map[string]int),
		seen:  make(map[string]bool),
		arts:  make(map[string]model.Article),
	}
}

func (m *clusterMerger) register(articles []model.Article) {
	for _, a := range articles {
		m.arts[a.ID] = a
	}
}

func (m *clusterMerger) add(rc *RunContext, g ResolvedGroup) {
	key := model.EventKey(g.Entities, g.Action, rc.Date)
	i, ok := m.byKey[key]
	if !ok {
		i = len(m.out)
		m.byKey[key] = i
		m.out = append(m.out, model.ArticleCluster{EventKey: key, Entities: g.Entities, Action: g.Action})
	}
	for _, id := range g.ArticleIDs {
		if m.seen[id] {
			continue
		}
		m.seen[id] = true
		m.out[i].Articles = append(m.out[i].Articles, m.arts[id])
	}
}

func (m *clusterMerger) clusters() []model.ArticleCluster {
	return m.out
}
