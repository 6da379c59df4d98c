package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
)

// Config for the OpenAI-compatible chat completions endpoint
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

const defaultSystemPrompt = "You answer questions using the supplied knowledge base context. " +
	"If the context does not contain the answer, say so briefly."

// Client implements Generator and Completer over HTTP
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates an LLM client. Timeout applies to non-streaming calls
// only; streams are bounded by the caller's context.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://llm-service:8000/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	// No client timeout: it would cut long streams
	hw := circuitbreaker.NewHTTPWrapper(&http.Client{}, "llm", "llm-client", logger)
	return &Client{cfg: cfg, http: hw, logger: logger}
}

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message *Message `json:"message,omitempty"`
		Delta   *Message `json:"delta,omitempty"`
	} `json:"choices"`
}

// BuildMessages lays out the system prompt, context block, history and
// question.
func BuildMessages(req GenerateRequest) []Message {
	msgs := []Message{{Role: RoleSystem, Content: defaultSystemPrompt}}
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: "Context:\n\n" + ctx})
	}
	msgs = append(msgs, req.History...)
	return append(msgs, Message{Role: RoleUser, Content: req.Question})
}

// Stream implements Generator
func (c *Client) Stream(ctx context.Context, req GenerateRequest, onDelta func(string) error) error {
	resp, err := c.post(ctx, chatRequest{
		Model:       c.cfg.Model,
		Messages:    BuildMessages(req),
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read llm stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode llm stream chunk: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta == nil || choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

// Complete implements Completer
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(ctx, chatRequest{
		Model:       c.cfg.Model,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse LLM response: %w", err)
	}
	for _, choice := range out.Choices {
		if choice.Message != nil && strings.TrimSpace(choice.Message.Content) != "" {
			return choice.Message.Content, nil
		}
	}
	return "", ErrEmptyCompletion
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := c.cfg.BaseURL + "/chat/completions"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("LLM service call failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d from LLM service: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
