package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/lexcodex/dbtmigrate/framework"
)

// Provider names a chat-model backend.
type Provider string

const (
	ProviderNone     Provider = "none"
	ProviderOllama   Provider = "ollama"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
	ProviderClaude   Provider = "claude"
)

// ParseProvider normalises a provider name. Empty means none.
func ParseProvider(name string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(name))); p {
	case "":
		return ProviderNone, nil
	case ProviderNone, ProviderOllama, ProviderOpenAI, ProviderDeepSeek, ProviderClaude:
		return p, nil
	case "anthropic":
		return ProviderClaude, nil
	default:
		return "", &framework.ConfigurationError{Field: "llm.provider", Reason: fmt.Sprintf("unsupported provider %q", name)}
	}
}

// ModelConfig describes how to reach a chat model.
type ModelConfig struct {
	Provider    Provider      `yaml:"provider" json:"provider"`
	BaseURL     string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey      string        `yaml:"-" json:"-"`
	Model       string        `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float32      `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Native selects the built-in Ollama HTTP client instead of the eino one.
	Native bool `yaml:"native,omitempty" json:"native,omitempty"`
}

func (m *ModelConfig) applyDefaults() {
	if m.MaxTokens == 0 {
		m.MaxTokens = 4096
	}
	if m.Timeout == 0 {
		m.Timeout = 2 * time.Minute
	}
}

// NewChatModel builds the eino chat model for the configured provider.
func NewChatModel(ctx context.Context, m ModelConfig) (model.BaseChatModel, error) {
	m.applyDefaults()
	switch m.Provider {
	case ProviderOpenAI, ProviderDeepSeek:
		baseURL := m.BaseURL
		if baseURL == "" && m.Provider == ProviderDeepSeek {
			baseURL = "https://api.deepseek.com"
		}
		if m.APIKey == "" {
			return nil, &framework.ConfigurationError{Field: "llm.api_key", Reason: fmt.Sprintf("required for %s", m.Provider)}
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     baseURL,
			APIKey:      m.APIKey,
			Model:       m.Model,
			Temperature: m.Temperature,
			MaxTokens:   &m.MaxTokens,
			Timeout:     m.Timeout,
		})
	case ProviderOllama:
		baseURL := m.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaEndpoint
		}
		name := m.Model
		if name == "" {
			name = DefaultOllamaModel
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   name,
		})
	case ProviderClaude:
		if m.APIKey == "" {
			return nil, &framework.ConfigurationError{Field: "llm.api_key", Reason: "required for claude"}
		}
		cfg := &claude.Config{
			APIKey:      m.APIKey,
			Model:       m.Model,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
		}
		if m.BaseURL != "" {
			cfg.BaseURL = &m.BaseURL
		}
		return claude.NewChatModel(ctx, cfg)
	default:
		return nil, &framework.ConfigurationError{Field: "llm.provider", Reason: fmt.Sprintf("unsupported provider %q", m.Provider)}
	}
}

// ChatClient adapts an eino chat model to Asker.
type ChatClient struct {
	Model  model.BaseChatModel
	System string
}

// NewChatClient wraps cm with an optional system prompt.
func NewChatClient(cm model.BaseChatModel, system string) *ChatClient {
	return &ChatClient{Model: cm, System: system}
}

// Ask implements Asker.
func (c *ChatClient) Ask(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.Model == nil {
		return "", errors.New("chat model not configured")
	}
	messages := make([]*schema.Message, 0, 2)
	if c.System != "" {
		messages = append(messages, schema.SystemMessage(c.System))
	}
	messages = append(messages, schema.UserMessage(prompt))
	resp, err := c.Model.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("chat model returned no message")
	}
	return resp.Content, nil
}

// NewAsker builds the Asker for cfg: the native Ollama client or an eino chat
// model. ProviderNone yields a nil Asker.
func NewAsker(ctx context.Context, cfg ModelConfig) (Asker, error) {
	switch {
	case cfg.Provider == ProviderNone || cfg.Provider == "":
		return nil, nil
	case cfg.Provider == ProviderOllama && cfg.Native:
		client := NewOllamaClient(cfg.BaseURL, cfg.Model)
		if cfg.Temperature != nil {
			client.Temperature = *cfg.Temperature
		}
		if cfg.Timeout > 0 {
			client.client.Timeout = cfg.Timeout
		}
		return client, nil
	}
	cm, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewChatClient(cm, systemPrompt), nil
}
