// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/mailpilot/api/schemas"
	"github.com/xkilldash9x/mailpilot/internal/config"
)

// blockedFinishReasons end a generation without retrying.
var blockedFinishReasons = map[string]struct{}{
	"SAFETY":             {},
	"BLOCKLIST":          {},
	"PROHIBITED_CONTENT": {},
	"SPII":               {},
}

// GeminiClient implements the schemas.LLMClient interface for Google Gemini models.
type GeminiClient struct {
	client  *genai.Client
	model   string
	config  config.LLMModelConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	// backoffFactory builds the retry policy for a single Generate call.
	backoffFactory func() backoff.BackOff
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required (set agent.llm.api_key or GEMINI_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("a Gemini model name is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:  client,
		model:   cfg.Model,
		config:  cfg,
		limiter: newLimiter(cfg.RequestsPerMinute),
		logger:  logger.Named("llm_client.gemini").With(zap.String("model", cfg.Model)),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// newLimiter spaces requests evenly across a minute. A non-positive rate disables limiting.
func newLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
}

// Generate sends the prompts to the Gemini API and returns the generated text, with retries.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := genai.Text(req.UserPrompt)
	genConfig := c.buildGenerateConfig(req)

	var responseContent string
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
		duration := time.Since(startTime)
		if err != nil {
			return c.classifyError(ctx, err)
		}

		text, err := extractText(resp)
		if err != nil {
			return err
		}

		fields := []zap.Field{zap.Duration("duration", duration)}
		if usage := resp.UsageMetadata; usage != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", usage.PromptTokenCount),
				zap.Int32("completion_tokens", usage.CandidatesTokenCount),
				zap.Int32("total_tokens", usage.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)

		responseContent = text
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("LLM request failed, retrying...", zap.Error(err), zap.Duration("backoff", wait))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(c.backoffFactory(), ctx), notify); err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	return responseContent, nil
}

// Close satisfies schemas.LLMClient. The SDK client holds no resources of its own.
func (c *GeminiClient) Close() error {
	return nil
}

func (c *GeminiClient) buildGenerateConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Options.Temperature)
	if temperature <= 0 {
		temperature = c.config.Temperature
	}
	genConfig := &genai.GenerateContentConfig{
		Temperature:    genai.Ptr(temperature),
		SafetySettings: c.safetySettings(),
	}
	if req.SystemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	topP := float32(req.Options.TopP)
	if topP <= 0 {
		topP = c.config.TopP
	}
	if topP > 0 {
		genConfig.TopP = genai.Ptr(topP)
	}
	topK := req.Options.TopK
	if topK <= 0 {
		topK = c.config.TopK
	}
	if topK > 0 {
		genConfig.TopK = genai.Ptr(float32(topK))
	}
	if c.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMIMEType = "application/json"
	}
	return genConfig
}

// safetySettings returns the configured filters in a stable order.
func (c *GeminiClient) safetySettings() []*genai.SafetySetting {
	if len(c.config.SafetyFilters) == 0 {
		return nil
	}
	categories := make([]string, 0, len(c.config.SafetyFilters))
	for category := range c.config.SafetyFilters {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(c.config.SafetyFilters[category]),
		})
	}
	return settings
}

// classifyError decides whether a failed call is worth retrying.
func (c *GeminiClient) classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	code, ok := apiErrorCode(err)
	if !ok {
		// Transport failures are retried.
		return err
	}
	c.logger.Error("Gemini API returned error status", zap.Int("status", code), zap.Error(err))
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return err
	default:
		return backoff.Permanent(err)
	}
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini API returned an empty response")
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", backoff.Permanent(fmt.Errorf("gemini API blocked the prompt (Reason: %s)", resp.PromptFeedback.BlockReason))
		}
		return "", backoff.Permanent(errors.New("gemini API returned no candidates"))
	}

	text := resp.Text()
	if text != "" {
		return text, nil
	}
	reason := string(resp.Candidates[0].FinishReason)
	if _, blocked := blockedFinishReasons[reason]; blocked {
		return "", backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
	}
	return "", fmt.Errorf("gemini API returned empty content parts (Reason: %s)", reason)
}
