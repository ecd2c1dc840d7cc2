package bookstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the book id does not exist.
	ErrNotFound = errors.New("book not found")

	// ErrWriteFailed wraps any durable write error.
	ErrWriteFailed = errors.New("book store write failed")

	// ErrInvalidInput indicates field values the store refuses.
	ErrInvalidInput = errors.New("invalid book input")
)

const (
	// DefaultLanguage is applied to books created without a language.
	DefaultLanguage = "ru"

	// StatusCompleted is the workflow tag given to new books.
	StatusCompleted = "completed"

	// ImageTypeCover tags the attachment created from a cover reference.
	ImageTypeCover = "cover"
)

// Book is a durable catalog record.
type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Year          *int      `json:"year"`
	Publisher     string    `json:"publisher"`
	Description   string    `json:"description"`
	Language      string    `json:"language"`
	CoverURL      string    `json:"cover_url"`
	ExtractedText string    `json:"extracted_text"`
	Confidence    float64   `json:"confidence"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Image is an attachment owned by a book.
type Image struct {
	ID        int64     `json:"id"`
	BookID    string    `json:"book_id"`
	ImageURL  string    `json:"image_url"`
	ImageType string    `json:"image_type"`
	CreatedAt time.Time `json:"created_at"`
}

// BookWithImages is a book joined with its attachments.
type BookWithImages struct {
	Book
	Images             []Image `json:"images"`
	ProcessingComplete bool    `json:"processing_complete"`
}

// NewBook holds client-confirmed fields for Create. Zero values are stored
// as empty; Language falls back to DefaultLanguage.
type NewBook struct {
	Title         string
	Author        string
	Year          *int
	Publisher     string
	Description   string
	Language      string
	CoverURL      string
	ExtractedText string
	Confidence    float64
}

// Patch lists the fields Update may change. Nil fields are left untouched.
type Patch struct {
	Title       *string      `json:"title"`
	Author      *string      `json:"author"`
	Year        OptionalYear `json:"year"`
	Publisher   *string      `json:"publisher"`
	Description *string      `json:"description"`
	Status      *string      `json:"status"`
}

// ListOptions filters List results.
type ListOptions struct {
	// Status restricts results to one workflow tag. Empty lists all.
	Status string

	Limit  int
	Offset int
}

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 100

// OptionalYear is a year that may be absent, null, or a value. It decodes
// from a JSON number or numeric string; null and "" clear the year.
type OptionalYear struct {
	// Set reports whether the field was present in the input.
	Set bool

	// Value is the year, nil when cleared.
	Value *int
}

// YearOf returns a set OptionalYear for y.
func YearOf(y int) OptionalYear {
	return OptionalYear{Set: true, Value: &y}
}

// UnmarshalJSON implements json.Unmarshaler.
func (y *OptionalYear) UnmarshalJSON(data []byte) error {
	y.Set = true
	y.Value = nil

	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	v, err := ParseYear(raw)
	if err != nil {
		return err
	}
	y.Value = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (y OptionalYear) MarshalJSON() ([]byte, error) {
	if y.Value == nil {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(*y.Value)), nil
}

// ParseYear parses a year from text. Empty text yields nil.
func ParseYear(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int(f)) {
			return nil, fmt.Errorf("%w: year %q is not a whole number", ErrInvalidInput, s)
		}
		n = int(f)
	}
	if n < 0 || n > 9999 {
		return nil, fmt.Errorf("%w: year %d out of range", ErrInvalidInput, n)
	}
	return &n, nil
}
