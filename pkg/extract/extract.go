// Package extract defines the extraction collaborator invoked by the worker:
// OCR plus structured-field extraction for one cover image.
//
// Implementations live in subpackages (ocrservice, openai). The worker only
// depends on Extractor.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnavailable indicates the extraction backend could not be reached
	// or answered with a server error.
	ErrUnavailable = errors.New("extraction service unavailable")

	// ErrInvalidResponse indicates the backend answered with a body that does
	// not describe extracted fields.
	ErrInvalidResponse = errors.New("invalid extraction response")
)

// Request identifies the image to process.
type Request struct {
	// InputRef is the image store key of the cover.
	InputRef string

	// Language is the OCR language hint, e.g. "ru" or "en".
	Language string
}

// Fields is the raw output of an extractor. Any field may be empty.
type Fields struct {
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Year          Year    `json:"year"`
	Publisher     string  `json:"publisher"`
	ExtractedText string  `json:"extracted_text"`
	RemainingText string  `json:"remaining_text"`
	RawOCRText    string  `json:"raw_ocr_text"`
	Confidence    float64 `json:"confidence"`
}

// Extractor runs extraction for one image.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Fields, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, req Request) (*Fields, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, req Request) (*Fields, error) {
	return f(ctx, req)
}

// Year is a publication year as text. It decodes from a JSON string, number
// or null.
type Year string

// UnmarshalJSON implements json.Unmarshaler.
func (y *Year) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*y = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*y = Year(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("year: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*y = Year(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("year: %w", err)
	}
	*y = Year(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// DecodeFields parses an extractor JSON body. A body carrying a non-empty
// "error" member is reported as a failure with that message.
func DecodeFields(data []byte) (*Fields, error) {
	var body struct {
		Fields
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if msg := strings.TrimSpace(body.Error); msg != "" {
		return nil, errors.New(msg)
	}
	f := body.Fields
	return &f, nil
}
