package extraction

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

	"go.uber.org/zap"

	"github.com/clinical-coding/platform/internal/shared/config"
	"github.com/clinical-coding/platform/internal/shared/logging"
	"github.com/clinical-coding/platform/internal/shared/metrics"
)

const maxResponseBytes = 10 << 20

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	baseURL      string
	apiKey       string
	model        string
	inputPrice   float64 // per million prompt tokens
	outputPrice  float64 // per million output tokens
	fallbackCost float64
	httpClient   *http.Client
	logger       *logging.Logger
}

// NewGeminiClient creates a client. fallbackCost is charged when the
// response carries no token usage.
func NewGeminiClient(cfg config.ExtractorConfig, fallbackCost float64, logger *logging.Logger) *GeminiClient {
	return &GeminiClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		inputPrice:   cfg.InputPrice,
		outputPrice:  cfg.OutputPrice,
		fallbackCost: fallbackCost,
		// Per-call deadlines come from the caller's context.
		httpClient: &http.Client{},
		logger:     logger.Named("gemini"),
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Extract runs one extraction pass over text.
func (c *GeminiClient) Extract(ctx context.Context, text string) (*Result, error) {
	start := time.Now()
	res, err := c.extract(ctx, text)

	outcome := "success"
	switch {
	case err == nil:
	case IsTransient(err):
		outcome = "transient"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "permanent"
	}
	metrics.RecordExtractionCall(outcome, time.Since(start))
	return res, err
}

func (c *GeminiClient) extract(ctx context.Context, text string) (*Result, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: BuildPrompt(text)}}}},
	})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransientError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d, body: %s", resp.StatusCode, truncate(string(data), 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &TransientError{Err: err}
		}
		return nil, &PermanentError{Err: err}
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if gr.PromptFeedback.BlockReason != "" {
		return nil, &PermanentError{Err: fmt.Errorf("prompt blocked: %s", gr.PromptFeedback.BlockReason)}
	}
	if len(gr.Candidates) == 0 {
		return nil, &PermanentError{Err: errors.New("response has no candidates")}
	}

	first := gr.Candidates[0]
	if first.FinishReason == "SAFETY" {
		return nil, &PermanentError{Err: errors.New("response blocked by safety filters")}
	}

	var sb strings.Builder
	for _, p := range first.Content.Parts {
		sb.WriteString(p.Text)
	}

	candidates, dropped, err := ParseCandidates(sb.String())
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	if dropped > 0 {
		c.logger.Debug(ctx, "dropped terms outside targeted hierarchies", zap.Int("count", dropped))
	}

	model := gr.ModelVersion
	if model == "" {
		model = c.model
	}
	return &Result{
		Candidates:   candidates,
		ActualCost:   c.cost(gr.UsageMetadata.PromptTokenCount, gr.UsageMetadata.CandidatesTokenCount),
		Model:        model,
		InputTokens:  gr.UsageMetadata.PromptTokenCount,
		OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (c *GeminiClient) cost(inputTokens, outputTokens int) float64 {
	if inputTokens == 0 && outputTokens == 0 {
		return c.fallbackCost
	}
	return (float64(inputTokens)*c.inputPrice + float64(outputTokens)*c.outputPrice) / 1e6
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Extractor = (*GeminiClient)(nil)
