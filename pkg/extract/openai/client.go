// Package openai extracts cover fields with an OpenAI-compatible vision model.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/imagestore"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 90 * time.Second

	maxResponseBytes = 4 << 20
)

// Config configures the vision client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration

	// MaxImageBytes caps the image sent inline. Zero means no cap.
	MaxImageBytes int64

	Logger *zap.Logger
}

// Client implements extract.Extractor via chat/completions.
type Client struct {
	cfg        Config
	images     imagestore.Getter
	httpClient *http.Client
	log        *zap.Logger
}

var _ extract.Extractor = (*Client)(nil)

// New returns a client. BaseURL, Model and Timeout fall back to defaults.
func New(cfg Config, images imagestore.Getter) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if images == nil {
		return nil, fmt.Errorf("openai: image store is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		images:     images,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}, nil
}

// Extract sends the image inline as a data URL and decodes the JSON object
// the model returns.
func (c *Client) Extract(ctx context.Context, req extract.Request) (*extract.Fields, error) {
	start := time.Now()

	img, info, err := imagestore.ReadAll(ctx, c.images, req.InputRef, c.cfg.MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	dataURL := "data:" + info.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt(req.Language)},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": "Extract the book details from this cover. Return ONLY JSON."},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			}},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", extract.ErrInvalidResponse, err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in completion", extract.ErrInvalidResponse)
	}
	content := []byte(stripFence(cc.Choices[0].Message.Content))

	if err := validateFields(content); err != nil {
		c.log.Warn("completion failed schema validation",
			zap.String("input_ref", req.InputRef),
			zap.Error(err),
		)
		return nil, err
	}
	fields, err := extract.DecodeFields(content)
	if err != nil {
		return nil, err
	}

	c.log.Debug("vision extraction complete",
		zap.String("input_ref", req.InputRef),
		zap.String("model", c.cfg.Model),
		zap.Duration("elapsed", time.Since(start)),
	)
	return fields, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", extract.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", extract.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: openai status %d: %s", extract.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func systemPrompt(language string) string {
	parts := []string{
		"You read photos of book covers.",
		"Return a JSON object with the keys title, author, year, publisher, extracted_text, remaining_text, raw_ocr_text and confidence.",
		"raw_ocr_text is all text visible on the cover. extracted_text is the text used for title and author; remaining_text is everything else.",
		"year is the four digit publication year if printed. confidence is a number between 0 and 1.",
		"Use an empty string for anything not visible. Never output null.",
	}
	if lang := strings.TrimSpace(language); lang != "" {
		parts = append(parts, "The cover text is most likely in language: "+lang+". Keep the original script.")
	}
	return strings.Join(parts, " ")
}

// stripFence removes a ```json fence some models wrap around the object.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// fieldsSchema is the shape requested from the model.
var fieldsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":          map[string]any{"type": []any{"string", "null"}},
		"author":         map[string]any{"type": []any{"string", "null"}},
		"year":           map[string]any{"type": []any{"string", "integer", "null"}},
		"publisher":      map[string]any{"type": []any{"string", "null"}},
		"extracted_text": map[string]any{"type": []any{"string", "null"}},
		"remaining_text": map[string]any{"type": []any{"string", "null"}},
		"raw_ocr_text":   map[string]any{"type": []any{"string", "null"}},
		"confidence":     map[string]any{"type": []any{"number", "null"}, "minimum": 0, "maximum": 1},
	},
}

var (
	compiled    *jsonschema.Schema
	compileErr  error
	compileOnce sync.Once
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(fieldsSchema)
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("book-fields.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("book-fields.json")
	})
	return compiled, compileErr
}

// validateFields checks data against fieldsSchema.
func validateFields(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", extract.ErrInvalidResponse, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", extract.ErrInvalidResponse, err)
	}
	return nil
}
