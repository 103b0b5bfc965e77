// Package llm implements the resilient chat-completion client. One logical
// Generate call walks the task's family chain; inside a family it rotates
// credentials on rate limits, backs off on transient faults and escalates to
// the next family on fatal errors or exhausted retries.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jholhewres/codeforge/pkg/codeforge/credentials"
)

// Config configures the client.
type Config struct {
	// Families overrides or extends the built-in family table, keyed by tag.
	Families map[string]FamilyConfig `yaml:"families"`

	// Routing sets primary/fallback overrides and per-task chains.
	Routing RoutingConfig `yaml:"routing"`

	// DefaultTask is used when a request names neither a family nor a task.
	DefaultTask TaskCategory `yaml:"default_task"`
}

// DefaultConfig returns the built-in families and routing.
func DefaultConfig() Config {
	return Config{
		Families:    DefaultFamilies(),
		Routing:     DefaultRouting(),
		DefaultTask: TaskGeneral,
	}
}

// Request is one logical generation call.
type Request struct {
	Prompt       string
	SystemPrompt string
	Stream       bool

	// Family forces the first family of the chain.
	Family string

	// Task selects the fallback chain (default: Config.DefaultTask).
	Task TaskCategory

	// MaxTokens lowers the family's token limit when set.
	MaxTokens int

	// OnRestart is invoked before a new attempt when chunks of a failed
	// attempt were already forwarded, so the consumer can discard them.
	OnRestart func(reason error)
}

// Result describes a completed call.
type Result struct {
	Text            string
	Family          string
	Model           string
	CredentialIndex int
	FinishReason    string

	// Truncated is set when the model stopped on its token limit.
	Truncated bool

	Attempts []Attempt
	Duration time.Duration
}

// Client issues chat completions against the configured families.
type Client struct {
	families    map[string]FamilyConfig
	routing     RoutingConfig
	defaultTask TaskCategory
	pools       map[string]*credentials.Pool
	httpClient  *http.Client
	logger      *slog.Logger

	// backoffUnit is the first delay of a backoff schedule; caps are
	// expressed as multiples of it.
	backoffUnit time.Duration
	wait        func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. pools maps family tags to credential pools;
// families without a pool are skipped at call time.
func NewClient(cfg Config, pools map[string]*credentials.Pool, logger *slog.Logger) *Client {
	families := DefaultFamilies()
	for name, f := range cfg.Families {
		if f.Name == "" {
			f.Name = name
		}
		families[name] = f
	}
	for name, f := range families {
		families[name] = f.Effective()
	}

	task := cfg.DefaultTask
	if task == "" {
		task = TaskGeneral
	}

	return &Client{
		families:    families,
		routing:     cfg.Routing,
		defaultTask: task,
		pools:       pools,
		httpClient: &http.Client{
			// Per-call deadlines come from the family timeout.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger:      logger.With("component", "llm"),
		backoffUnit: time.Second,
		wait:        sleepContext,
	}
}

// Families returns the tags of families that have credentials.
func (c *Client) Families() []string {
	out := make([]string, 0, len(c.pools))
	for name := range c.pools {
		if _, ok := c.families[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Generate runs one logical call, forwarding text chunks to onChunk in
// order. Non-streaming requests produce a single chunk. The returned error is
// either the consumer's own error, a context error, or *ExhaustedError.
func (c *Client) Generate(ctx context.Context, req Request, onChunk func(string) error) (*Result, error) {
	task := req.Task
	if task == "" {
		task = c.defaultTask
	}
	chain := c.routing.Chain(task, req.Family)
	call := &callState{req: req, onChunk: onChunk}
	start := time.Now()

	var tried []Attempt
	var lastErr error
	for _, family := range chain {
		fc, ok := c.families[family]
		pool := c.pools[family]
		if !ok || pool == nil {
			c.logger.Debug("skipping family without configuration or credentials", "family", family)
			continue
		}

		res, att, err := c.generateFamily(ctx, fc, pool, call)
		if err == nil {
			res.Attempts = append(tried, att)
			res.Duration = time.Since(start)
			return res, nil
		}

		att.Err = err.Error()
		tried = append(tried, att)
		lastErr = err

		if cause := sinkCause(err); cause != nil {
			return nil, cause
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
		}

		c.logger.Warn("model family failed, trying next in chain",
			"family", family,
			"task", task,
			"kind", KindOf(err).String(),
			"error", err,
		)
	}

	c.logger.Error("all model families exhausted", "task", task, "families_tried", len(tried))
	return nil, &ExhaustedError{Task: task, Tried: tried, Last: lastErr}
}

// Stream is the channel form of Generate. The chunk channel is closed when
// the call ends; the error channel then yields at most one error.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	req.Stream = true
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(chunks)

		_, err := c.Generate(ctx, req, func(s string) error {
			select {
			case chunks <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errc <- err
		}
	}()

	return chunks, errc
}

// callState is shared by every attempt of one logical call.
type callState struct {
	req       Request
	onChunk   func(string) error
	forwarded bool
	lastErr   error
}

// beforeAttempt tells the consumer to drop output of a failed attempt.
func (s *callState) beforeAttempt() {
	if !s.forwarded {
		return
	}
	s.forwarded = false
	if s.req.OnRestart != nil {
		s.req.OnRestart(s.lastErr)
	}
}

// generateFamily retries one family until success, a fatal error, or an
// exhausted budget. Rate limits rotate through untried credentials without
// delay (at most poolSize-1 rotations), then fall back to exponential delay
// on the same credential. Transient faults always keep the credential.
func (c *Client) generateFamily(ctx context.Context, fc FamilyConfig, pool *credentials.Pool, call *callState) (*Result, Attempt, error) {
	att := Attempt{Family: fc.Name, CredentialIndex: pool.Index()}
	rateSchedule := c.newSchedule(fc.RateLimitCapSec)
	transientSchedule := c.newSchedule(fc.TransientCapSec)

	for {
		idx, cred := pool.Snapshot()
		att.CredentialIndex = idx
		call.beforeAttempt()

		res, err := c.once(ctx, fc, cred, call)
		if err == nil {
			res.CredentialIndex = idx
			return res, att, nil
		}
		call.lastErr = err

		if sinkCause(err) != nil || ctx.Err() != nil {
			return nil, att, err
		}

		kind := KindOf(err)
		logger := c.logger.With("family", fc.Name, "credential_index", idx, "kind", kind.String())

		switch kind {
		case KindRateLimited:
			if att.Rotations < pool.Len()-1 {
				pool.Rotate()
				att.Rotations++
				logger.Warn("credential rate limited, rotating",
					"rotation", att.Rotations,
					"pool_size", pool.Len(),
					"next_index", pool.Index(),
				)
				continue
			}
			if err := c.retryAfter(ctx, logger, &att, fc, rateSchedule, err); err != nil {
				return nil, att, err
			}
		case KindTransient:
			if err := c.retryAfter(ctx, logger, &att, fc, transientSchedule, err); err != nil {
				return nil, att, err
			}
		default:
			logger.Warn("non-retryable error for family", "error", err)
			return nil, att, err
		}
	}
}

// retryAfter waits for the next delay of schedule, or returns cause once the
// family's retry budget is spent.
func (c *Client) retryAfter(ctx context.Context, logger *slog.Logger, att *Attempt, fc FamilyConfig, schedule *backoff.ExponentialBackOff, cause error) error {
	if att.Retries >= fc.MaxRetries {
		logger.Warn("exhausted retries for family", "retries", att.Retries, "error", cause)
		return cause
	}

	delay := schedule.NextBackOff()
	att.Retries++
	logger.Info("retrying after backoff",
		"attempt", att.Retries,
		"max_retries", fc.MaxRetries,
		"backoff_ms", delay.Milliseconds(),
		"error", cause,
	)

	if err := c.wait(ctx, delay); err != nil {
		return fmt.Errorf("context cancelled during backoff: %w", err)
	}
	return nil
}

// newSchedule returns min(2^n, capUnits) * backoffUnit delays for n = 0, 1, ...
func (c *Client) newSchedule(capUnits int) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffUnit
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(capUnits) * c.backoffUnit
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// once performs a single HTTP exchange with one credential.
func (c *Client) once(ctx context.Context, fc FamilyConfig, cred credentials.Credential, call *callState) (*Result, error) {
	body, err := buildRequestBody(fc, call.req)
	if err != nil {
		return nil, &APIError{Kind: KindFatal, Family: fc.Name, Err: fmt.Errorf("building request: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, fc.Timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, fc.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: KindFatal, Family: fc.Name, Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+string(cred))
	if call.req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	c.logger.Debug("sending chat completion",
		"family", fc.Name,
		"model", fc.Model,
		"stream", call.req.Stream,
		"credential", cred.String(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Kind: classifyTransport(ctx, err, false), Family: fc.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &APIError{
			Kind:       classifyStatus(resp.StatusCode, string(raw)),
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Family:     fc.Name,
		}
	}

	var text strings.Builder
	forward := func(s string) error {
		text.WriteString(s)
		call.forwarded = true
		if call.onChunk == nil {
			return nil
		}
		return call.onChunk(s)
	}

	var finishReason string
	if call.req.Stream {
		finishReason, err = decodeStream(resp.Body, forward, c.logger)
	} else {
		finishReason, err = decodeCompletion(resp.Body, forward)
	}
	if err != nil {
		return nil, c.decodeFailure(ctx, fc, resp.StatusCode, err)
	}

	res := &Result{
		Text:         text.String(),
		Family:       fc.Name,
		Model:        fc.Model,
		FinishReason: finishReason,
	}

	switch finishReason {
	case "stop":
	case "length":
		res.Truncated = true
		c.logger.Warn("generation hit the token limit, output is truncated",
			"family", fc.Name, "model", fc.Model, "chars", text.Len())
	default:
		c.logger.Warn("generation ended with unexpected finish reason",
			"family", fc.Name, "finish_reason", finishReason)
	}

	c.logger.Info("chat completion done",
		"family", fc.Name,
		"model", fc.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"chars", text.Len(),
		"finish_reason", finishReason,
	)
	return res, nil
}

// decodeFailure converts a body decoding error into an *APIError, keeping
// consumer aborts untouched.
func (c *Client) decodeFailure(ctx context.Context, fc FamilyConfig, status int, err error) error {
	if sinkCause(err) != nil {
		return err
	}
	if pe, ok := err.(*payloadError); ok {
		return &APIError{
			Kind:       classifyPayloadError(pe.message),
			StatusCode: status,
			Body:       pe.message,
			Family:     fc.Name,
		}
	}
	return &APIError{Kind: classifyTransport(ctx, err, true), StatusCode: status, Family: fc.Name, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
