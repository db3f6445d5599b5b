package vectorstore

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/resilience"
)

// DefaultClass is the Weaviate class holding article and event vectors.
const DefaultClass = "WealthDocument"

// Config configures the Weaviate connection.
type Config struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
}

// Weaviate implements Index on a Weaviate class with cosine distance and
// externally supplied vectors.
type Weaviate struct {
	client *weaviate.Client
	class  string
	log    *zap.Logger
}

// NewWeaviate connects to Weaviate.
func NewWeaviate(cfg Config, log *zap.Logger) (*Weaviate, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	wcfg := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, eris.Wrap(err, "vectorstore: create weaviate client")
	}
	return &Weaviate{client: client, class: cfg.Class, log: log}, nil
}

// classSchema is the Weaviate class definition.
func (w *Weaviate) classSchema() *models.Class {
	text := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"text"}}
	}
	return &models.Class{
		Class:             w.class,
		Description:       "Embedded article and event headlines",
		Vectorizer:        "none",
		VectorIndexConfig: map[string]any{"distance": "cosine"},
		Properties: []*models.Property{
			text("source_id"), text("kind"), text("headline"), text("date"), text("event_key"),
		},
	}
}

// EnsureSchema creates the class if it does not exist.
func (w *Weaviate) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(w.class).Do(ctx); err == nil {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(w.classSchema()).Do(ctx); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return classify(err, "vectorstore: create class")
	}
	w.log.Info("vectorstore: created class", zap.String("class", w.class))
	return nil
}

// Upsert creates one object per record with a deterministic ID.
func (w *Weaviate) Upsert(ctx context.Context, recs []Record) error {
	var errs []error
	for _, r := range recs {
		_, err := w.client.Data().Creator().
			WithClassName(w.class).
			WithID(ObjectID(r.Kind, r.SourceID)).
			WithProperties(map[string]any{
				"source_id": r.SourceID,
				"kind":      string(r.Kind),
				"headline":  r.Headline,
				"date":      r.Date,
				"event_key": r.EventKey,
			}).
			WithVector(r.Vector).
			Do(ctx)
		if err != nil && !isAlreadyExists(err) {
			errs = append(errs, classify(err, "vectorstore: create object "+r.SourceID))
		}
	}
	return errors.Join(errs...)
}

// Query returns up to topK nearest objects.
func (w *Weaviate) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	get := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(
			graphql.Field{Name: "source_id"},
			graphql.Field{Name: "kind"},
			graphql.Field{Name: "headline"},
			graphql.Field{Name: "date"},
			graphql.Field{Name: "event_key"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
		).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(topK)
	if where := kindFilter(filter.Kinds); where != nil {
		get = get.WithWhere(where)
	}

	resp, err := get.Do(ctx)
	if err != nil {
		return nil, classify(err, "vectorstore: query")
	}
	if len(resp.Errors) > 0 {
		return nil, eris.Errorf("vectorstore: query: %s", resp.Errors[0].Message)
	}
	return parseMatches(resp, w.class), nil
}

func kindFilter(kinds []Kind) *filters.WhereBuilder {
	if len(kinds) == 0 {
		return nil
	}
	ops := make([]*filters.WhereBuilder, len(kinds))
	for i, k := range kinds {
		ops[i] = filters.Where().
			WithPath([]string{"kind"}).
			WithOperator(filters.Equal).
			WithValueText(string(k))
	}
	if len(ops) == 1 {
		return ops[0]
	}
	return filters.Where().WithOperator(filters.Or).WithOperands(ops)
}

// parseMatches reads Get.<class>[] from a GraphQL response. Cosine distance
// d maps to similarity 1-d.
func parseMatches(resp *models.GraphQLResponse, class string) []Match {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objs, ok := get[class].([]any)
	if !ok {
		return nil
	}
	out := make([]Match, 0, len(objs))
	for _, o := range objs {
		m, ok := o.(map[string]any)
		if !ok {
			continue
		}
		add, _ := m["_additional"].(map[string]any)
		dist, ok := add["distance"].(float64)
		if !ok {
			continue
		}
		out = append(out, Match{
			SourceID:   str(m["source_id"]),
			Kind:       Kind(str(m["kind"])),
			Headline:   str(m["headline"]),
			Date:       str(m["date"]),
			EventKey:   str(m["event_key"]),
			Similarity: 1 - dist,
		})
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func isAlreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func classify(err error, msg string) error {
	wrapped := eris.Wrap(err, msg)
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) {
		if werr.IsUnexpectedStatusCode && resilience.IsTransientHTTPStatus(werr.StatusCode) {
			return resilience.NewTransientError(wrapped, werr.StatusCode)
		}
		if !werr.IsUnexpectedStatusCode && werr.DerivedFromError != nil && resilience.IsTransient(werr.DerivedFromError) {
			return resilience.NewTransientError(wrapped, 0)
		}
	}
	return wrapped
}
