package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults mirror a stock LM Studio install.
const (
	DefaultBaseURL   = "http://localhost:1234/v1"
	DefaultModel     = "llama-3.2-3b-instruct"
	DefaultMaxTokens = 30
	DefaultTimeout   = 1500 * time.Millisecond

	// Temperature is fixed so identical lines get identical prompts and,
	// model permitting, identical answers.
	Temperature float32 = 0

	maxErrorBody = 512
)

// Config holds the backend settings.
type Config struct {
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Client talks to an OpenAI-compatible chat-completions endpoint. One Client
// is shared by every connection.
type Client struct {
	httpClient *http.Client
	endpoint   string
	cfg        Config
	logger     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// New builds a Client with a keep-alive pool sized for a single local host.
// Proxies are never consulted.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     0,
		ForceAttemptHTTP2:   false,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		cfg:      cfg,
		logger:   logger,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Classify sends one request for line. A returned error means no usable
// reply arrived (transport, timeout, status or body failure); an unusable
// reply that did arrive is a FAIL decision with a nil error.
func (c *Client) Classify(ctx context.Context, line string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: RenderPrompt(line)}},
		Temperature: Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return Decision{}, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Decision{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Decision{}, ErrEmptyChoices
	}

	content := parsed.Choices[0].Message.Content
	c.logger.Debug("classifier reply", zap.String("content", content))
	return ParseDecision(content), nil
}
