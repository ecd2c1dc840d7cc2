package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/coverscan/internal/errors"
	"github.com/3leaps/coverscan/pkg/bookstore"
	"github.com/3leaps/coverscan/pkg/imagestore"
)

// maximum accepted JSON body for book writes
const maxBookBody = 1 << 20

// BookStore is the subset of bookstore.Store the handlers use.
type BookStore interface {
	Create(ctx context.Context, nb bookstore.NewBook) (*bookstore.Book, error)
	Get(ctx context.Context, id string) (*bookstore.Book, error)
	GetWithImages(ctx context.Context, id string) (*bookstore.BookWithImages, error)
	Update(ctx context.Context, id string, p bookstore.Patch) (*bookstore.Book, error)
	Delete(ctx context.Context, id string) ([]bookstore.Image, error)
	List(ctx context.Context, opts bookstore.ListOptions) ([]bookstore.Book, error)
}

// BooksHandler serves the book record routes.
type BooksHandler struct {
	store       BookStore
	images      imagestore.Store
	uploadsPath string
	log         *zap.Logger
}

// NewBooksHandler returns a handler over store. images may be nil, in which
// case deleting a book leaves its stored files in place.
func NewBooksHandler(store BookStore, images imagestore.Store, logger *zap.Logger) *BooksHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BooksHandler{store: store, images: images, uploadsPath: DefaultUploadsPath, log: logger}
}

// CreateBookRequest is the body of POST /create.
type CreateBookRequest struct {
	Title         string                 `json:"title"`
	Author        string                 `json:"author"`
	Year          bookstore.OptionalYear `json:"year"`
	Publisher     string                 `json:"publisher"`
	Description   string                 `json:"description"`
	Language      string                 `json:"language"`
	ImageURL      string                 `json:"image_url"`
	CoverURL      string                 `json:"cover_url"`
	ExtractedText string                 `json:"extracted_text"`
	OCRData       *struct {
		ExtractedText string `json:"extracted_text"`
	} `json:"ocr_data"`
	Confidence float64 `json:"confidence"`
}

func (req CreateBookRequest) toNewBook() bookstore.NewBook {
	nb := bookstore.NewBook{
		Title:         req.Title,
		Author:        req.Author,
		Year:          req.Year.Value,
		Publisher:     req.Publisher,
		Description:   req.Description,
		Language:      req.Language,
		CoverURL:      req.ImageURL,
		ExtractedText: req.ExtractedText,
		Confidence:    req.Confidence,
	}
	if nb.CoverURL == "" {
		nb.CoverURL = req.CoverURL
	}
	if req.OCRData != nil && req.OCRData.ExtractedText != "" {
		nb.ExtractedText = req.OCRData.ExtractedText
	}
	return nb
}

// CreateBookResponse is returned with 201.
type CreateBookResponse struct {
	Message string          `json:"message"`
	Book    *bookstore.Book `json:"book"`
}

// DeleteBookResponse is returned after a delete.
type DeleteBookResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// ProcessingResponse reports the workflow status of a saved book.
type ProcessingResponse struct {
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message"`
	BookID   string          `json:"book_id"`
	Book     *bookstore.Book `json:"book"`
}

func (h *BooksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	book, err := h.store.Create(r.Context(), req.toNewBook())
	if err != nil {
		h.log.Error("create book failed", zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	h.log.Info("book saved", zap.String("book_id", book.ID), zap.String("title", book.Title))
	writeJSON(w, http.StatusCreated, CreateBookResponse{Message: "Book saved", Book: book})
}

func (h *BooksHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := bookstore.ListOptions{Status: strings.TrimSpace(q.Get("status"))}
	var err error
	if opts.Limit, err = queryInt(q.Get("limit")); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInput("invalid limit"))
		return
	}
	if opts.Offset, err = queryInt(q.Get("offset")); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInput("invalid offset"))
		return
	}

	books, err := h.store.List(r.Context(), opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if books == nil {
		books = []bookstore.Book{}
	}
	writeJSON(w, http.StatusOK, books)
}

func (h *BooksHandler) Get(w http.ResponseWriter, r *http.Request) {
	book, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetFull returns the book joined with its attachments.
func (h *BooksHandler) GetFull(w http.ResponseWriter, r *http.Request) {
	book, err := h.store.GetWithImages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *BooksHandler) Processing(w http.ResponseWriter, r *http.Request) {
	book, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessingResponse{
		Status:   book.Status,
		Progress: 100,
		Message:  "Processing complete",
		BookID:   book.ID,
		Book:     book,
	})
}

func (h *BooksHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch bookstore.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		respondWithError(w, r, err)
		return
	}
	book, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// Delete removes the book, its attachments, and stored cover files.
func (h *BooksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	removed, err := h.store.Delete(ctx, id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if h.images != nil {
		for _, img := range removed {
			key, ok := strings.CutPrefix(img.ImageURL, h.uploadsPath)
			if !ok || key == "" {
				continue
			}
			if err := h.images.Delete(ctx, key); err != nil {
				h.log.Warn("remove stored image", zap.String("book_id", id), zap.String("key", key), zap.Error(err))
			}
		}
	}
	writeJSON(w, http.StatusOK, DeleteBookResponse{Message: "Book deleted", ID: id})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBookBody))
	if err := dec.Decode(v); err != nil {
		return apperrors.NewInvalidInput(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func queryInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
