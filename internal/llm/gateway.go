package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memoirhq/narrator/internal/domain"
	"github.com/memoirhq/narrator/internal/metrics"
	"github.com/memoirhq/narrator/internal/settings"
	"github.com/memoirhq/narrator/internal/store"
)

// Caller is the provider surface the agent engines depend on. Tests swap
// in a scripted implementation.
type Caller interface {
	Call(ctx context.Context, opts CallOptions) (*Result, error)
	Stream(ctx context.Context, opts CallOptions, onDelta func(string) error) (*Result, error)
}

// CallOptions describe one agent call. Model and temperature come from the
// settings cache keyed by Role; session fields are passed through from the
// caller's narration state.
type CallOptions struct {
	Role   domain.Role
	UserID string
	Input  []Message

	// Store keeps the response server-side; Caching additionally enables
	// session continuation, with ExpireAt pinning the deadline and
	// PreviousResponseID naming the chain to continue.
	Store              bool
	Caching            bool
	ExpireAt           *time.Time
	PreviousResponseID *string

	JSONMode    bool
	UtteranceID *int64
}

// Result is a completed call with accounting attached.
type Result struct {
	ResponseID string
	Text       string
	Usage      Usage
	Cost       float64
	Model      *domain.Model
	Duration   time.Duration
}

// Gateway wraps the provider client with model selection, token and cost
// accounting, metrics and telemetry rows.
type Gateway struct {
	client   *Client
	settings *settings.Cache
	store    *store.Store
}

func NewGateway(client *Client, settings *settings.Cache, st *store.Store) *Gateway {
	return &Gateway{client: client, settings: settings, store: st}
}

func (g *Gateway) request(ctx context.Context, opts CallOptions) (Request, *domain.Model, error) {
	values := g.settings.Values(ctx)
	model, err := g.settings.Model(ctx, values.ModelID(opts.Role))
	if err != nil {
		return Request{}, nil, fmt.Errorf("resolve model for %s: %w", opts.Role, err)
	}
	req := Request{
		Model:              model.APIModelID,
		Input:              opts.Input,
		Temperature:        values.Temperature(opts.Role),
		Store:              opts.Store,
		Caching:            opts.Caching,
		ExpireAt:           opts.ExpireAt,
		PreviousResponseID: opts.PreviousResponseID,
		JSONMode:           opts.JSONMode,
	}
	return req, model, nil
}

// Call issues a non-streaming agent call.
func (g *Gateway) Call(ctx context.Context, opts CallOptions) (*Result, error) {
	req, model, err := g.request(ctx, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := g.client.Create(ctx, req)
	duration := time.Since(start)
	if err != nil {
		g.observe(opts.Role, "error", duration, Usage{})
		return nil, err
	}

	result := g.finish(ctx, opts, model, resp, duration)
	return result, nil
}

// Stream issues a streaming agent call, invoking onDelta for every text
// fragment. A non-nil error from onDelta aborts the stream.
func (g *Gateway) Stream(ctx context.Context, opts CallOptions, onDelta func(string) error) (*Result, error) {
	req, model, err := g.request(ctx, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	events, err := g.client.Stream(ctx, req)
	if err != nil {
		g.observe(opts.Role, "error", time.Since(start), Usage{})
		return nil, err
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			g.observe(opts.Role, "error", time.Since(start), Usage{})
			return nil, ev.Err
		case ev.Delta != "":
			if err := onDelta(ev.Delta); err != nil {
				g.observe(opts.Role, "aborted", time.Since(start), Usage{})
				return nil, fmt.Errorf("deliver delta: %w", err)
			}
		case ev.Done:
			if ev.Response == nil {
				g.observe(opts.Role, "error", time.Since(start), Usage{})
				return nil, fmt.Errorf("stream completed without response metadata")
			}
			return g.finish(ctx, opts, model, ev.Response, time.Since(start)), nil
		}
	}

	g.observe(opts.Role, "error", time.Since(start), Usage{})
	return nil, fmt.Errorf("stream closed without terminal event")
}

func (g *Gateway) finish(ctx context.Context, opts CallOptions, model *domain.Model, resp *Response, duration time.Duration) *Result {
	g.observe(opts.Role, "ok", duration, resp.Usage)

	result := &Result{
		ResponseID: resp.ID,
		Text:       resp.Text,
		Usage:      resp.Usage,
		Cost:       Cost(model, resp.Usage),
		Model:      model,
		Duration:   duration,
	}

	input := renderInput(opts.Input)
	output := resp.Text
	call := &domain.LLMCall{
		UserID:           opts.UserID,
		Agent:            opts.Role.String(),
		ModelID:          model.ID,
		ModelName:        model.Name,
		DurationMS:       int(duration.Milliseconds()),
		TotalTokens:      resp.Usage.TotalTokens,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		CachedTokens:     resp.Usage.InputTokensDetails.CachedTokens,
		Cost:             result.Cost,
		Input:            &input,
		Output:           &output,
		UtteranceID:      opts.UtteranceID,
	}
	if err := g.store.RecordLLMCall(ctx, call); err != nil {
		slog.Warn("llm telemetry write failed", "agent", opts.Role.String(), "user_id", opts.UserID, "error", err)
	}

	return result
}

func (g *Gateway) observe(role domain.Role, status string, duration time.Duration, usage Usage) {
	agent := role.String()
	metrics.LLMRequestsTotal.WithLabelValues(agent, status).Inc()
	metrics.LLMDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if usage.TotalTokens > 0 {
		metrics.LLMTokensTotal.WithLabelValues(agent, "input").Add(float64(usage.InputTokens))
		metrics.LLMTokensTotal.WithLabelValues(agent, "cached").Add(float64(usage.InputTokensDetails.CachedTokens))
		metrics.LLMTokensTotal.WithLabelValues(agent, "output").Add(float64(usage.OutputTokens))
	}
}

// Cost prices a call from the model catalog. Cached prompt tokens are
// billed at the cache discount; prices are per thousand tokens.
func Cost(model *domain.Model, usage Usage) float64 {
	cached := usage.InputTokensDetails.CachedTokens
	fresh := usage.InputTokens - cached
	if fresh < 0 {
		fresh = 0
	}
	cost := float64(fresh) * model.InputPrice / 1000
	cost += float64(cached) * model.InputPrice * model.CacheDiscount / 1000
	cost += float64(usage.OutputTokens) * model.OutputPrice / 1000
	return cost
}

func renderInput(input []Message) string {
	var b strings.Builder
	for i, m := range input {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
