package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docharvest/internal/config"
)

// Provider represents a logical LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// ErrQuotaExceeded is returned when the provider reports payment or
// quota exhaustion. Callers fall back to heuristics instead of
// retrying.
var ErrQuotaExceeded = errors.New("llm quota exceeded")

// Request is a single JSON-answer completion. The system prompt pins
// the output contract; the user prompt carries the document evidence.
type Request struct {
	System  string
	User    string
	Timeout time.Duration
}

// Client is the provider abstraction. CompleteJSON returns the parsed
// JSON object from the model's reply, salvaging the first {...} block
// when the reply carries extra prose around it.
type Client interface {
	CompleteJSON(ctx context.Context, req Request) (map[string]any, error)
}

// parseJSONObject attempts to parse a JSON object from the given
// content. It first tries the whole string, and if that fails, it
// attempts to extract the first {...} block.
func parseJSONObject(content string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err == nil {
		return fields, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in content")
	}

	snippet := content[start : end+1]
	if err := json.Unmarshal([]byte(snippet), &fields); err != nil {
		return nil, err
	}

	return fields, nil
}

// statusErr maps provider HTTP failures to sentinel errors. 402 is the
// hard quota signal; 429 with no recovery inside one call is treated
// the same because the classify path never retries.
func statusErr(provider string, status int) error {
	if status == http.StatusPaymentRequired || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s returned status %d", ErrQuotaExceeded, provider, status)
	}
	return fmt.Errorf("%s request failed with status %d", provider, status)
}

// NewClientFromConfig constructs a Client for the configured default
// provider. The returned provider and model names feed metrics labels.
func NewClientFromConfig(cfg *config.Config) (Client, Provider, string, error) {
	prov := Provider(cfg.LLM.DefaultProvider)

	timeout := time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch prov {
	case ProviderOpenAI:
		c := cfg.LLM.OpenAI
		if c.APIKey == "" || c.Model == "" {
			return nil, prov, c.Model, errors.New("openai llm provider is not fully configured")
		}
		return &openAIClient{
			apiKey:  c.APIKey,
			baseURL: c.BaseURL,
			model:   c.Model,
			http:    &http.Client{Timeout: timeout},
		}, prov, c.Model, nil
	case ProviderAnthropic:
		c := cfg.LLM.Anthropic
		if c.APIKey == "" || c.Model == "" {
			return nil, prov, c.Model, errors.New("anthropic llm provider is not fully configured")
		}
		return &anthropicClient{
			apiKey: c.APIKey,
			model:  c.Model,
			http:   &http.Client{Timeout: timeout},
		}, prov, c.Model, nil
	case ProviderGoogle:
		c := cfg.LLM.Google
		if c.APIKey == "" || c.Model == "" {
			return nil, prov, c.Model, errors.New("google llm provider is not fully configured")
		}
		return &googleClient{
			apiKey: c.APIKey,
			model:  c.Model,
			http:   &http.Client{Timeout: timeout},
		}, prov, c.Model, nil
	default:
		return nil, prov, "", fmt.Errorf("unsupported llm provider: %s", cfg.LLM.DefaultProvider)
	}
}

// openAIClient implements Client using OpenAI-compatible Chat Completions.
type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// anthropicClient implements Client using Anthropic's Messages API.
type anthropicClient struct {
	apiKey string
	model  string
	http   *http.Client
}

// googleClient implements Client using Google Gemini (Generative Language API).
type googleClient struct {
	apiKey string
	model  string
	http   *http.Client
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIChatMessage   `json:"messages"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicTextContent `json:"content"`
}

type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessagesResponse struct {
	Content []anthropicTextContent `json:"content"`
}

type googleGenerateContentRequest struct {
	Contents []googleContent `json:"contents"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text,omitempty"`
}

type googleGenerateContentResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func reqContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (c *openAIClient) CompleteJSON(ctx context.Context, req Request) (map[string]any, error) {
	ctx, cancel := reqContext(ctx, req.Timeout)
	defer cancel()

	body := openAIChatRequest{
		Model: c.model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature:    0.0,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	endpoint = endpoint + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr("openai", resp.StatusCode)
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("openai chat completion returned no choices")
	}

	return parseJSONObject(parsed.Choices[0].Message.Content)
}

func (c *anthropicClient) CompleteJSON(ctx context.Context, req Request) (map[string]any, error) {
	ctx, cancel := reqContext(ctx, req.Timeout)
	defer cancel()

	body := anthropicMessagesRequest{
		Model:     c.model,
		MaxTokens: 512,
		System:    req.System,
		Messages: []anthropicMessage{
			{
				Role: "user",
				Content: []anthropicTextContent{
					{Type: "text", Text: req.User},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	endpoint := "https://api.anthropic.com/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr("anthropic", resp.StatusCode)
	}

	var parsed anthropicMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Content) == 0 {
		return nil, errors.New("anthropic messages returned no content")
	}

	return parseJSONObject(parsed.Content[0].Text)
}

func (c *googleClient) CompleteJSON(ctx context.Context, req Request) (map[string]any, error) {
	ctx, cancel := reqContext(ctx, req.Timeout)
	defer cancel()

	body := googleGenerateContentRequest{
		Contents: []googleContent{
			{
				Parts: []googlePart{{Text: req.System + "\n\n" + req.User}},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	base := "https://generativelanguage.googleapis.com/v1beta"
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, c.model, url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr("google", resp.StatusCode)
	}

	var parsed googleGenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("google generateContent returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return parseJSONObject(sb.String())
}
