// Package llm implements the planning, execution and progress oracles on
// top of a langchaingo model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fentz26/waypoint/internal/oracle"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

// Option configures an LLM oracle.
type Option func(*client)

// WithLimiter gates every model call on l. Share one limiter between the
// oracles to bound the total request rate.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *client) {
		c.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTemperature sets the sampling temperature. Zero leaves the provider default.
func WithTemperature(t float64) Option {
	return func(c *client) {
		c.temperature = t
	}
}

// NewLimiter creates a limiter allowing rps requests per second with the given burst.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type client struct {
	model       llms.Model
	limiter     *rate.Limiter
	logger      *slog.Logger
	temperature float64
}

func newClient(model llms.Model, opts []Option) client {
	c := client{model: model, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *client) generate(ctx context.Context, op string, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentChoice, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, oracle.NewError(op, reasonFor(ctx, err), err)
		}
	}
	if c.temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.temperature))
	}

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, oracle.NewError(op, reasonFor(ctx, err), err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, oracle.NewError(op, oracle.ReasonMalformed, errors.New("empty response"))
	}
	return resp.Choices[0], nil
}

func reasonFor(ctx context.Context, err error) oracle.Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return oracle.ReasonTimeout
	}
	return oracle.ReasonCall
}

func messages(system, human string) []llms.MessageContent {
	return []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(human)}},
	}
}

// decodeAnswer decodes the arguments of the named tool call into v, falling
// back to a JSON document embedded in the message content.
func decodeAnswer(choice *llms.ContentChoice, tool string, v any) error {
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != tool {
			continue
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), v); err != nil {
			return fmt.Errorf("decode %s arguments: %w", tool, err)
		}
		return nil
	}

	doc := extractJSON(choice.Content)
	if doc == "" {
		return fmt.Errorf("no %s call and no JSON in response", tool)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("decode JSON response: %w", err)
	}
	return nil
}

// extractJSON returns the first JSON object or array in s, ignoring
// surrounding prose and markdown code fences.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}
