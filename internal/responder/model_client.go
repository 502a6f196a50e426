package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carelinelabs/careline/internal/domain"
)

// ModelClient talks to the model sidecar over HTTP/JSON. It backs both the
// classifier's model path and the coaching responder's text generation.
type ModelClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ModelClientConfig holds configuration for the sidecar client.
type ModelClientConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultModelClientConfig returns default configuration.
func DefaultModelClientConfig() ModelClientConfig {
	return ModelClientConfig{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewModelClient creates a sidecar client and probes the health endpoint so
// a misconfigured address fails at startup instead of on the first message.
func NewModelClient(baseURL string, logger *slog.Logger) (*ModelClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultModelClientConfig()
	cfg.BaseURL = baseURL

	c := &ModelClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger,
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := c.Health(probeCtx); err != nil {
		return nil, fmt.Errorf("model sidecar at %s not ready: %w", cfg.BaseURL, err)
	}

	logger.Info("Connected to model sidecar", "base_url", cfg.BaseURL)
	return c, nil
}

// Health checks the sidecar health endpoint.
func (c *ModelClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

type classifyRequest struct {
	SessionID string           `json:"session_id"`
	Message   string           `json:"message"`
	History   []domain.Message `json:"history,omitempty"`
}

type classifyResponse struct {
	Level   domain.RiskLevel `json:"level"`
	Factors []string         `json:"factors"`
	Score   float64          `json:"score"`
}

// Classify implements the classifier's model path.
func (c *ModelClient) Classify(ctx context.Context, sessionID, message string, history []domain.Message) (*domain.RiskAssessment, error) {
	var out classifyResponse
	err := c.post(ctx, "/v1/classify", classifyRequest{
		SessionID: sessionID,
		Message:   message,
		History:   history,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}

	return &domain.RiskAssessment{
		SessionID: sessionID,
		Level:     out.Level,
		Factors:   out.Factors,
		Score:     out.Score,
	}, nil
}

type generateRequest struct {
	SessionID string           `json:"session_id"`
	Message   string           `json:"message"`
	History   []domain.Message `json:"history,omitempty"`
	RiskLevel domain.RiskLevel `json:"risk_level"`
	Factors   []string         `json:"factors,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate produces coaching reply text for a message.
func (c *ModelClient) Generate(ctx context.Context, in Input) (string, error) {
	req := generateRequest{
		SessionID: in.SessionID,
		Message:   in.Message,
		History:   in.History,
	}
	if in.Assessment != nil {
		req.RiskLevel = in.Assessment.Level
		req.Factors = in.Assessment.Factors
	}

	var out generateResponse
	if err := c.post(ctx, "/v1/generate", req, &out); err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("generate returned empty text")
	}
	return out.Text, nil
}

func (c *ModelClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, 4096)); err != nil {
		slog.Debug("failed to drain response body", "error", err)
	}
	if err := body.Close(); err != nil {
		slog.Debug("failed to close response body", "error", err)
	}
}
