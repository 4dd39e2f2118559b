package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

const (
	DefaultOllamaEndpoint = "http://localhost:11434"
	DefaultOllamaModel    = "codellama"
)

// OllamaClient talks to the Ollama generate endpoint.
type OllamaClient struct {
	Endpoint    string
	Model       string
	Temperature float32
	Debug       bool
	Logger      zerolog.Logger
	client      *http.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Text            string         `json:"text"`
	Response        string         `json:"response"`
	Message         *ollamaMessage `json:"message"`
	Error           string         `json:"error"`
	DoneReason      string         `json:"done_reason"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
}

// NewOllamaClient builds a client for endpoint, defaulting to the local
// daemon.
func NewOllamaClient(endpoint, model string) *OllamaClient {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	return &OllamaClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Model:    model,
		Logger:   zerolog.Nop(),
		client: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

// Ask implements Asker with a non-streaming /api/generate call.
func (c *OllamaClient) Ask(ctx context.Context, prompt string) (string, error) {
	payload := map[string]interface{}{
		"model":  c.model(),
		"prompt": prompt,
		"stream": false,
	}
	if c.Temperature != 0 {
		payload["options"] = map[string]interface{}{"temperature": c.Temperature}
	}
	resp, err := c.doRequest(ctx, "/api/generate", payload)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", resp.Error)
	}
	text := firstNonEmpty(resp.Text, resp.Response)
	if text == "" && resp.Message != nil {
		text = resp.Message.Content
	}
	return text, nil
}

func (c *OllamaClient) httpClient() *http.Client {
	if c.client != nil {
		return c.client
	}
	c.client = &http.Client{Timeout: 60 * time.Second}
	return c.client
}

func (c *OllamaClient) model() string {
	if c.Model != "" {
		return c.Model
	}
	return DefaultOllamaModel
}

func (c *OllamaClient) doRequest(ctx context.Context, path string, payload interface{}) (*ollamaResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.logPayload("request", path, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errors.Join(framework.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(msg))
		if detail != "" {
			return nil, fmt.Errorf("ollama error: %s: %s", resp.Status, detail)
		}
		return nil, fmt.Errorf("ollama error: %s", resp.Status)
	}
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logPayload("response", path, responseBody)
	var raw ollamaResponse
	if err := json.Unmarshal(responseBody, &raw); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	return &raw, nil
}

func (c *OllamaClient) logPayload(kind, path string, payload []byte) {
	if !c.Debug {
		return
	}
	c.Logger.Debug().
		Str("component", "ollama").
		Str("path", path).
		Str("payload", clip(string(payload), 2048)).
		Msg(kind)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
