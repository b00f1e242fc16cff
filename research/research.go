// Package research asks a chat-completion model for related literature on
// LDP-guided importance sampling and for plain-language explanations of a
// simulation setup. It is an optional collaborator: the engine never
// depends on it.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/n0madic/go-rare-event-is/model"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned by New when no API key is configured.
var ErrDisabled = errors.New("research client disabled: no API key")

const (
	DefaultModel         = "gpt-4o"
	DefaultFallbackModel = "gpt-4o-mini"
)

// Source is one cited reference.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Result is a literature search answer.
type Result struct {
	Summary     string   `json:"summary"`
	OverlapRisk string   `json:"overlap_risk,omitempty"` // high, medium or low
	Sources     []Source `json:"sources"`
}

// Explanation is a generated description of a simulation setup.
type Explanation struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Fallback bool   `json:"fallback"` // answered by the fallback model
}

// Client talks to an OpenAI-compatible chat API.
type Client struct {
	api      *openai.Client
	config   openai.ClientConfig
	model    string
	fallback string
	limiter  *rate.Limiter
	language string
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.config.BaseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel sets the primary model.
func WithModel(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.model = name
		}
	}
}

// WithFallbackModel sets the model Explain retries with. Empty disables the
// fallback.
func WithFallbackModel(name string) Option {
	return func(c *Client) {
		c.fallback = name
	}
}

// WithRate limits outbound requests to perMinute, with a burst of one.
func WithRate(perMinute float64) Option {
	return func(c *Client) {
		if perMinute > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perMinute/60), 1)
		}
	}
}

// WithLanguage asks for answers in the given language.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		c.language = lang
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client. An empty API key returns ErrDisabled.
func New(apiKey string, options ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrDisabled
	}
	c := &Client{
		config:   openai.DefaultConfig(apiKey),
		model:    DefaultModel,
		fallback: DefaultFallbackModel,
		limiter:  rate.NewLimiter(rate.Limit(10.0/60), 1),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.api = openai.NewClientWithConfig(c.config)
	return c, nil
}

const searchPrompt = `Conduct a rigorous literature search on the following thesis topic:
%q

The proposed methodology is:
1. Model: Poisson autoregression of order 1 (Poisson ARCH(1), also known as Poisson INGARCH).
2. Theory: large deviations principle.
3. Technique: importance sampling with a change of measure derived from the large deviations rate.
4. Implementation: the optimal tilt theta* is found numerically from the principal eigenvalue of the truncated tilted kernel K(theta) by solving g(theta) = Lambda'(theta) - a.

Tasks:
1. Say whether this exact numerical combination has been published. Consider keywords such as "numerical large deviations INGARCH", "rare event simulation Poisson ARCH", "eigenvalue method importance sampling".
2. List closely related papers, e.g. large deviations for GARCH models or importance sampling for Poisson processes.
3. Assess the risk of overlap (high, medium or low) for a Master's thesis.

Reply with a single JSON object: {"summary": string, "overlap_risk": "high"|"medium"|"low", "sources": [{"title": string, "uri": string}]}.`

const explainPrompt = `Explain simply how importance sampling guided by large deviations works for a Poisson ARCH(1) process with parameters: %s. Contrast it with naive Monte Carlo. Keep it brief and educational.`

// Search asks for literature related to question.
func (c *Client) Search(ctx context.Context, question string) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, errors.New("empty research question")
	}
	content, err := c.complete(ctx, c.model, fmt.Sprintf(searchPrompt, question), true)
	if err != nil {
		return Result{}, fmt.Errorf("literature search: %w", err)
	}
	return parseResult(content), nil
}

// Explain describes the IS method for the given parameters. When the primary
// model fails the fallback model answers and the result is marked.
func (c *Client) Explain(ctx context.Context, p model.Params) (Explanation, error) {
	prompt := fmt.Sprintf(explainPrompt, describe(p))
	text, err := c.complete(ctx, c.model, prompt, false)
	if err == nil {
		return Explanation{Text: text, Model: c.model}, nil
	}
	if c.fallback == "" || c.fallback == c.model || ctx.Err() != nil {
		return Explanation{}, fmt.Errorf("explain: %w", err)
	}

	c.logger.WarnContext(ctx, "primary model failed, using fallback", "model", c.model, "fallback", c.fallback, "error", err)
	text, ferr := c.complete(ctx, c.fallback, prompt, false)
	if ferr != nil {
		return Explanation{}, fmt.Errorf("explain: %w", errors.Join(err, ferr))
	}
	return Explanation{Text: text, Model: c.fallback, Fallback: true}, nil
}

func (c *Client) complete(ctx context.Context, name, prompt string, jsonReply bool) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	system := "You are a research assistant in applied probability and rare-event simulation."
	if c.language != "" {
		system += " Answer in " + c.language + "."
	}
	req := openai.ChatCompletionRequest{
		Model: name,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if jsonReply {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	c.logger.DebugContext(ctx, "chat completion", "model", name)
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("model %s: %w", name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("model %s returned no content", name)
	}
	return resp.Choices[0].Message.Content, nil
}

// parseResult decodes a JSON reply. Replies that are not JSON become the
// summary as-is.
func parseResult(content string) Result {
	var raw Result
	if err := json.Unmarshal([]byte(stripFence(content)), &raw); err != nil || raw.Summary == "" {
		return Result{Summary: strings.TrimSpace(content), Sources: []Source{}}
	}
	raw.OverlapRisk = strings.ToLower(strings.TrimSpace(raw.OverlapRisk))
	raw.Sources = dedupe(raw.Sources)
	return raw
}

// dedupe keeps the first source per URI and drops sources without one.
func dedupe(sources []Source) []Source {
	seen := make(map[string]bool, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		s.URI = strings.TrimSpace(s.URI)
		if s.URI == "" || seen[s.URI] {
			continue
		}
		seen[s.URI] = true
		if strings.TrimSpace(s.Title) == "" {
			s.Title = s.URI
		}
		out = append(out, s)
	}
	return out
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func describe(p model.Params) string {
	return fmt.Sprintf("beta0=%g, beta1=%g, n=%d steps, X0=%d, threshold a=%g, M=%d trials (stationary mean %.4g)",
		p.Beta0, p.Beta1, p.Steps, p.InitialState, p.Threshold, p.Trials, p.StationaryMean())
}
