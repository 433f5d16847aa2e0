package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type ProviderConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	// Timeout bounds each HTTP round-trip to the provider. Zero means no
	// client-side limit beyond the caller's context.
	Timeout time.Duration
}

// LangChainModel adapts a langchaingo llms.Model.
type LangChainModel struct {
	model       llms.Model
	temperature float64
	timeout     time.Duration
}

func NewLangChainModel(model llms.Model, temperature float64) *LangChainModel {
	return &LangChainModel{model: model, temperature: temperature}
}

// NewOllamaModel builds a generation model served by Ollama.
func NewOllamaModel(cfg ProviderConfig) (*LangChainModel, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	model, err := ollama.New(ollamaOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	m := NewLangChainModel(model, cfg.Temperature)
	m.timeout = cfg.Timeout
	return m, nil
}

func ollamaOptions(cfg ProviderConfig) []ollama.Option {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, ollama.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return opts
}

func (m *LangChainModel) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, message := range req.Messages {
		messages = append(messages, llms.TextParts(chatMessageType(message.Role), message.Content))
	}
	opts := []llms.CallOption{llms.WithTemperature(m.temperature)}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	resp, err := m.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

func chatMessageType(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// NewEmbedder builds a query embedder for the configured provider.
func NewEmbedder(cfg ProviderConfig) (*embeddings.EmbedderImpl, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	var client embeddings.EmbedderClient
	switch cfg.Provider {
	case ProviderOllama:
		model, err := ollama.New(ollamaOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		client = model
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.APIKey, "Bearer ")),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		client = model
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return embedder, nil
}
