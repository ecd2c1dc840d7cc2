// Package ocrservice calls an external OCR extraction service over HTTP.
//
// The service receives the cover as a multipart upload ("image" file and
// "language" field) and answers with a JSON document of extracted fields.
// Responses are validated against the embedded ocr-response schema before
// they are decoded.
package ocrservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"
	"go.uber.org/zap"

	schemasassets "github.com/3leaps/coverscan/internal/assets/schemas"
	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/imagestore"
)

const (
	// DefaultPath is appended to BaseURL when Path is empty.
	DefaultPath = "/extract"

	// DefaultTimeout bounds one extraction request.
	DefaultTimeout = 60 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// Config configures the OCR service client.
type Config struct {
	// BaseURL is the service root, e.g. http://localhost:5001.
	BaseURL string

	// Path is the extraction endpoint path. Defaults to DefaultPath.
	Path string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxImageBytes caps the uploaded image size. Zero means no cap.
	MaxImageBytes int64

	// Logger receives request diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("ocr service: base url is required")
	}
	return nil
}

// Client implements extract.Extractor against the OCR service.
type Client struct {
	cfg        Config
	endpoint   string
	images     imagestore.Getter
	httpClient *http.Client
	log        *zap.Logger
}

var _ extract.Extractor = (*Client)(nil)

// New returns a client that reads images from images.
func New(cfg Config, images imagestore.Getter) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if images == nil {
		return nil, fmt.Errorf("ocr service: image store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := cfg.Path
	if p == "" {
		p = DefaultPath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(p, "/"),
		images:     images,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}, nil
}

// Extract uploads the referenced image and decodes the extracted fields.
func (c *Client) Extract(ctx context.Context, req extract.Request) (*extract.Fields, error) {
	start := time.Now()

	img, info, err := imagestore.ReadAll(ctx, c.images, req.InputRef, c.cfg.MaxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	body, contentType, err := buildMultipart(req, img, info)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
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

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d: %s", extract.ErrUnavailable, resp.StatusCode, snippet(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Client errors usually carry {"error": "..."}; prefer that message.
		if _, derr := extract.DecodeFields(raw); derr != nil && !errors.Is(derr, extract.ErrInvalidResponse) {
			return nil, fmt.Errorf("ocr service status %d: %w", resp.StatusCode, derr)
		}
		return nil, fmt.Errorf("ocr service status %d: %s", resp.StatusCode, snippet(raw))
	}

	if err := validateResponse(raw); err != nil {
		return nil, err
	}
	fields, err := extract.DecodeFields(raw)
	if err != nil {
		return nil, err
	}

	c.log.Debug("ocr extraction complete",
		zap.String("input_ref", req.InputRef),
		zap.String("language", req.Language),
		zap.Float64("confidence", fields.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)
	return fields, nil
}

func buildMultipart(req extract.Request, img []byte, info *imagestore.ObjectInfo) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("language", req.Language); err != nil {
		return nil, "", err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, path.Base(req.InputRef)))
	h.Set("Content-Type", info.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var (
	validator     *schema.Validator
	validatorErr  error
	validatorOnce sync.Once
)

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.OCRResponseSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile ocr response schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// validateResponse checks raw against the embedded response schema.
func validateResponse(raw []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", extract.ErrInvalidResponse, err)
	}

	var problems []string
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			problems = append(problems, fmt.Sprintf("%s: %s", d.Pointer, d.Message))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", extract.ErrInvalidResponse, strings.Join(problems, "; "))
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
