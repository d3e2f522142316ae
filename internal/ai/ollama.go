package ai

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/model"
)

const (
	defaultURL       = "http://localhost:11434"
	defaultModel     = "llama3.1:8b"
	defaultMaxTokens = 200
	defaultTimeout   = 60 * time.Second
	temperature      = 0.3
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Summarizer turns a prompt into prose.
type Summarizer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OllamaClient calls a local Ollama server's generate endpoint. Calls go
// through a circuit breaker that opens after three consecutive failures.
type OllamaClient struct {
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

// NewOllamaClient creates a client from the AI configuration. Zero
// values fall back to the defaults.
func NewOllamaClient(cfg model.AIConfig, logger *zap.Logger) *OllamaClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.OllamaURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	settings := gobreaker.Settings{
		Name:        "ollama",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// A cancelled run says nothing about the server.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &OllamaClient{
		baseURL:   baseURL,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
		breaker:   gobreaker.NewCircuitBreaker(settings),
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate sends prompt to the model and returns the trimmed response.
// When the breaker is open it fails immediately with
// gobreaker.ErrOpenState.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// callAPI makes a single non-streaming generate request.
func (c *OllamaClient) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			NumPredict:  c.maxTokens,
			Temperature: temperature,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Ollama API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var result generateResponse
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && result.Error != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, result.Error)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decoding response: %w", decodeErr)
	}

	text := strings.TrimSpace(result.Response)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
