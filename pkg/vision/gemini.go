package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/james-see/sheetscan/pkg/logger"
	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 2
)

// DefaultModels is the preferred model order when none is configured
var DefaultModels = []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"}

// GeminiConfig configures the Gemini client
type GeminiConfig struct {
	APIKey         string
	BaseURL        string
	Models         []string // preferred order
	DiscoverModels bool     // ask the API which models exist before picking
	Timeout        time.Duration
	MaxRetries     int
	Logger         logger.Logger
}

// GeminiClient calls the generateContent endpoint of the Gemini API
type GeminiClient struct {
	client   *resty.Client
	apiKey   string
	models   []string
	discover bool
	log      logger.Logger

	mu         sync.Mutex
	discovered []string // cached model order once discovery ran
}

var _ Provider = (*GeminiClient)(nil)

// NewGeminiClient creates a client. A missing API key is reported on the
// first call, not here.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(retryCondition)

	return &GeminiClient{
		client:   client,
		apiKey:   cfg.APIKey,
		models:   models,
		discover: cfg.DiscoverModels,
		log:      log.With("component", "vision"),
	}
}

// retryCondition retries on throttling and server errors
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

// Transcribe sends the image with the transcription prompt and parses the
// reply. When a model is gone (404) the next preferred model is tried.
func (c *GeminiClient) Transcribe(ctx context.Context, img Image) (*Transcription, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	req := generateRequest{
		Contents: []content{{Parts: []part{
			{Text: TranscriptionPrompt},
			{InlineData: &inlineData{
				MIMEType: img.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(img.Data),
			}},
		}}},
		GenerationConfig: &generationConfig{Temperature: 0, ResponseMIMEType: "application/json"},
	}

	models := c.candidates(ctx)
	var lastErr error
	for _, model := range models {
		text, err := c.generate(ctx, model, req)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				c.log.Warn("model unavailable, trying next", "model", model)
				lastErr = err
				continue
			}
			return nil, err
		}

		t, err := ParseTranscription(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", model, err)
		}
		t.Model = model
		c.log.Debug("transcription parsed", "model", model, "notes", len(t.Notes))
		return t, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoModel, lastErr)
	}
	return nil, ErrNoModel
}

// Ping sends a one-line prompt and returns the model's reply
func (c *GeminiClient) Ping(ctx context.Context) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	models := c.candidates(ctx)
	if len(models) == 0 {
		return "", ErrNoModel
	}
	req := generateRequest{Contents: []content{{Parts: []part{{Text: PingPrompt}}}}}
	text, err := c.generate(ctx, models[0], req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *GeminiClient) generate(ctx context.Context, model string, body generateRequest) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(body).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", model))
	if err != nil {
		return "", fmt.Errorf("vision: request to %s failed: %w", model, err)
	}

	raw := resp.Body()
	if resp.IsError() {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return "", &APIError{Status: resp.StatusCode(), Message: msg, Model: model}
	}

	if reason := gjson.GetBytes(raw, "promptFeedback.blockReason").String(); reason != "" {
		return "", fmt.Errorf("%w: %s", ErrBlocked, reason)
	}

	var sb strings.Builder
	gjson.GetBytes(raw, "candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		sb.WriteString(p.Get("text").String())
		return true
	})
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// candidates returns the models to try in order. With discovery on, the
// preferred models the API actually serves come first; if none of them is
// served, the first served model is used.
func (c *GeminiClient) candidates(ctx context.Context) []string {
	if !c.discover {
		return c.models
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovered != nil {
		return c.discovered
	}

	available, err := c.listModels(ctx)
	if err != nil || len(available) == 0 {
		c.log.Warn("model discovery failed, using configured order", "err", err)
		return c.models
	}

	served := make(map[string]bool, len(available))
	for _, m := range available {
		served[m] = true
	}
	var picked []string
	for _, m := range c.models {
		if served[m] {
			picked = append(picked, m)
		}
	}
	if len(picked) == 0 {
		picked = available[:1]
	}

	c.log.Info("model selected", "model", picked[0])
	c.discovered = picked
	return picked
}

// listModels returns the models that support generateContent
func (c *GeminiClient) listModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		Get("/v1beta/models")
	if err != nil {
		return nil, fmt.Errorf("vision: list models: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Status: resp.StatusCode(), Message: gjson.GetBytes(resp.Body(), "error.message").String()}
	}

	var models []string
	gjson.GetBytes(resp.Body(), "models").ForEach(func(_, m gjson.Result) bool {
		supports := false
		m.Get("supportedGenerationMethods").ForEach(func(_, method gjson.Result) bool {
			if method.String() == "generateContent" {
				supports = true
				return false
			}
			return true
		})
		if supports {
			models = append(models, strings.TrimPrefix(m.Get("name").String(), "models/"))
		}
		return true
	})
	return models, nil
}
