// Package pipeline wires the job store to its callers: the submission
// gateway, the status resolver, and the worker loop. The three share
// nothing but the jobqueue.Store passed to their constructors.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/3leaps/coverscan/pkg/jobqueue"
)

// DefaultLanguage is the OCR language hint used when a submission has none.
const DefaultLanguage = "ru"

// Gateway creates jobs.
type Gateway struct {
	store           jobqueue.Store
	defaultLanguage string
}

// NewGateway returns a Gateway that enqueues into store. An empty
// defaultLanguage means DefaultLanguage.
func NewGateway(store jobqueue.Store, defaultLanguage string) *Gateway {
	if strings.TrimSpace(defaultLanguage) == "" {
		defaultLanguage = DefaultLanguage
	}
	return &Gateway{store: store, defaultLanguage: defaultLanguage}
}

// Submit enqueues one extraction job for inputRef and returns its id without
// waiting for processing.
func (g *Gateway) Submit(ctx context.Context, inputRef, language string) (string, error) {
	inputRef = strings.TrimSpace(inputRef)
	if inputRef == "" {
		return "", fmt.Errorf("%w: input reference is required", ErrInvalidInput)
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = g.defaultLanguage
	}

	job, err := g.store.Enqueue(ctx, jobqueue.Payload{
		InputRef: inputRef,
		Language: language,
		Filename: path.Base(inputRef),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return job.ID, nil
}

// DefaultLanguage returns the language applied to submissions without one.
func (g *Gateway) DefaultLanguage() string {
	return g.defaultLanguage
}
