package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/openmic/greenroom/config"
)

// NewLLMProvider creates an LLM provider from configuration. The first
// configured provider wins; OpenAI-compatible endpoints are the primary path.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, provider := range cfg.Providers {
		switch provider.Type {
		case "openai":
			return NewOpenAIProvider(provider), nil
		case "anthropic":
			return NewAnthropicProvider(provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}

// OpenAIProvider implements LLMProvider against the OpenAI chat and
// embeddings endpoints.
type OpenAIProvider struct {
	config config.LLMProvider
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAIProvider) apiKey() string {
	if p.config.APIKey != "" {
		return p.config.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (p *OpenAIProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.openai.com/v1"
}

// Invoke sends a single-turn prompt and returns the assistant payload. The
// scope is stateless here (each call is its own conversation), which is
// exactly the isolation the fan-out needs; it is still threaded through for
// providers that keep server-side conversational state.
func (p *OpenAIProvider) Invoke(ctx context.Context, scope string, prompt string, model string) (interface{}, Usage, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, Usage{}, fmt.Errorf("OpenAI API key not configured")
	}

	m, ok := p.config.Models[model]
	if !ok {
		return nil, Usage{}, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		User        string    `json:"user,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		User:        scope,
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Usage{}, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Usage{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, Usage{}, fmt.Errorf("no choices")
	}

	usage := Usage{InputTokens: int64(out.Usage.PromptTokens), OutputTokens: int64(out.Usage.CompletionTokens)}
	return out.Choices[0].Message.Content, usage, nil
}

// Embed generates embeddings for the given texts.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	model := p.config.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// CalculateCost calculates the dollar cost for a call against a model.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := p.config.Models[model]
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1000.0*m.CostPer1K + float64(outputTokens)/1000.0*m.CostPer1KOutput
}

// AnthropicProvider implements LLMProvider against the Anthropic messages
// endpoint. No embedding support; callers fall back to lexical search.
type AnthropicProvider struct {
	config config.LLMProvider
	client *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg config.LLMProvider) *AnthropicProvider {
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *AnthropicProvider) Invoke(ctx context.Context, scope string, prompt string, model string) (interface{}, Usage, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, Usage{}, fmt.Errorf("Anthropic API key not configured")
	}
	m, ok := p.config.Models[model]
	if !ok {
		return nil, Usage{}, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	maxTokens := m.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":      apiModel,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"metadata": map[string]string{"user_id": scope},
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("marshal: %w", err)
	}
	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Usage{}, fmt.Errorf("Anthropic status %d", resp.StatusCode)
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Usage{}, fmt.Errorf("decode: %w", err)
	}
	usage := Usage{InputTokens: int64(out.Usage.InputTokens), OutputTokens: int64(out.Usage.OutputTokens)}
	for _, c := range out.Content {
		if c.Type == "text" {
			return c.Text, usage, nil
		}
	}
	return nil, usage, fmt.Errorf("no text content")
}

func (p *AnthropicProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("embeddings not supported by Anthropic provider")
}

func (p *AnthropicProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := p.config.Models[model]
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1000.0*m.CostPer1K + float64(outputTokens)/1000.0*m.CostPer1KOutput
}
