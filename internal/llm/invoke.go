// Package llm provides typed, validated model invocation and the chunked
// batch helpers used by the batched pipeline stages.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/resilience"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

// Request is one structured model call.
type Request struct {
	Stage     string
	Model     string
	System    []anthropic.SystemBlock
	User      string
	MaxTokens int64
}

// Invoker carries the shared call policy: rate limit, per-model circuit
// breakers and retry. One Invoker is shared by every run in the process.
type Invoker struct {
	client   anthropic.Client
	limiter  *rate.Limiter
	breakers *resilience.ServiceBreakers
	retry    resilience.RetryConfig
	maxOut   int64
	validate *validator.Validate
	log      *zap.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRateLimit caps model requests per minute. Zero disables the limit.
func WithRateLimit(rpm int) Option {
	return func(inv *Invoker) {
		if rpm > 0 {
			inv.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), max(1, rpm/10))
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(inv *Invoker) { inv.retry = cfg }
}

// WithBreakers sets the per-model circuit breakers.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(inv *Invoker) { inv.breakers = sb }
}

// WithMaxTokens caps the output tokens of every request. Zero leaves
// per-request limits untouched.
func WithMaxTokens(n int64) Option {
	return func(inv *Invoker) { inv.maxOut = n }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(log *zap.Logger) Option {
	return func(inv *Invoker) { inv.log = log }
}

// NewInvoker creates an Invoker for client.
func NewInvoker(client anthropic.Client, opts ...Option) *Invoker {
	inv := &Invoker{
		client:   client,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		breakers: resilience.NewServiceBreakers(resilience.NewCircuitConfig(0, 0)),
		retry:    resilience.DefaultRetryConfig(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke sends req and decodes the JSON reply into T. Transient failures are
// retried under the invoker's policy. A reply that does not parse or fails
// validation returns a *resilience.ValidationError and is not retried. Usage
// is reported whenever a reply was received, even if it failed validation.
func Invoke[T any](ctx context.Context, inv *Invoker, req Request) (T, model.TokenUsage, error) {
	var out T
	var usage model.TokenUsage

	retry := inv.retry
	retry.OnRetry = resilience.RetryLogger(inv.log, "anthropic", req.Stage)
	breaker := inv.breakers.Get(req.Model)
	maxTokens := req.MaxTokens
	if inv.maxOut > 0 && (maxTokens <= 0 || maxTokens > inv.maxOut) {
		maxTokens = inv.maxOut
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := inv.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "llm: rate limit wait")
		}
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return inv.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     req.Model,
				MaxTokens: maxTokens,
				System:    req.System,
				Messages:  []anthropic.Message{{Role: "user", Content: req.User}},
			})
		})
	})
	if err != nil {
		return out, usage, eris.Wrapf(err, "llm: %s", req.Stage)
	}

	usage = toUsage(resp.Usage)
	raw := extractText(resp)
	if raw == "" {
		return out, usage, resilience.NewValidationError(req.Stage, raw, eris.New("empty response"))
	}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &out); err != nil {
		return out, usage, resilience.NewValidationError(req.Stage, raw, err)
	}
	if err := inv.validate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return out, usage, resilience.NewValidationError(req.Stage, raw, err)
		}
	}
	return out, usage, nil
}

func toUsage(u anthropic.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
	}
}
