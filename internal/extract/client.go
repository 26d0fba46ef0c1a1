package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crawlrs/crawlrs/internal/task"
)

const defaultClientTimeout = 60 * time.Second

// Config points the extraction client at an OpenAI-compatible chat
// completions endpoint. An empty endpoint disables extraction.
type Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HTTPClient calls a chat-completions endpoint and returns the model's
// JSON answer. Any provider speaking the OpenAI wire shape works.
type HTTPClient struct {
	cfg    Config
	client *http.Client
}

// NewHTTPClient builds the client from config.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := defaultClientTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &HTTPClient{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// Model names the configured model.
func (c *HTTPClient) Model() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract sends the document and instructions, expecting a single JSON
// object back.
func (c *HTTPClient) Extract(ctx context.Context, req Request) (json.RawMessage, error) {
	system := "Extract structured data from the document. Respond with a single JSON object and nothing else."
	if len(req.Schema) > 0 {
		system += " The object must conform to this JSON Schema: " + string(req.Schema)
	}
	if req.Prompt != "" {
		system += " Instructions: " + req.Prompt
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Document},
		},
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	})
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "encode extraction request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, task.Wrap(task.KindInternal, "build extraction request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, task.Wrap(task.KindEngineTransient, "extraction backend unreachable", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, task.Wrap(task.KindEngineTransient, "read extraction response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, task.E(task.KindEngineTransient,
			fmt.Sprintf("extraction backend returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, task.E(task.KindEngineTerminal,
			fmt.Sprintf("extraction backend refused request with %d", resp.StatusCode))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, task.Wrap(task.KindEngineTerminal, "decode extraction response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, task.E(task.KindEngineTerminal, "extraction response carried no choices")
	}
	content := []byte(parsed.Choices[0].Message.Content)
	if !json.Valid(content) {
		return nil, task.E(task.KindEngineTerminal, "model answer is not valid JSON")
	}
	return json.RawMessage(content), nil
}
