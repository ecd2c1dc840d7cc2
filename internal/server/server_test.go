package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/coverscan/internal/errors"
	"github.com/3leaps/coverscan/internal/server/handlers"
	"github.com/3leaps/coverscan/pkg/bookstore"
	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/imagestore/file"
	"github.com/3leaps/coverscan/pkg/jobqueue/sqlqueue"
	"github.com/3leaps/coverscan/pkg/pipeline"
	"github.com/3leaps/coverscan/pkg/sqlstore"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServer_UnknownRouteUsesEnvelope(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/version", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		srv := New("127.0.0.1", port)
		assert.Equal(t, port, srv.Port())
		assert.NotNil(t, srv.Handler())
	}
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).Addr())
}

func TestServer_OperationalRoutes(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestServer_PprofOnlyWhenEnabled(t *testing.T) {
	rec := httptest.NewRecorder()
	New("127.0.0.1", 0).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	New("127.0.0.1", 0, WithPprof(true)).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_DomainRoutesNeedHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	New("127.0.0.1", 0).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestServer_UploadToSavedBook drives the whole flow through the router:
// upload, worker processing, status polling, then saving the book.
func TestServer_UploadToSavedBook(t *testing.T) {
	ctx := context.Background()

	queue, err := sqlqueue.Open(ctx, sqlstore.Config{Path: ":memory:"}, sqlqueue.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = queue.Close() }()

	books, err := bookstore.Open(ctx, sqlstore.Config{Path: ":memory:"}, bookstore.Options{})
	require.NoError(t, err)
	defer func() { _ = books.Close() }()

	images, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	jobs, err := handlers.NewJobsHandler(handlers.JobsConfig{
		Gateway:  pipeline.NewGateway(queue, ""),
		Resolver: pipeline.NewResolver(queue),
		Images:   images,
	})
	require.NoError(t, err)

	srv := New("127.0.0.1", 0,
		WithRoutePrefix("/api/books"),
		WithRequestTimeout(5*time.Second),
		WithJobs(jobs),
		WithBooks(handlers.NewBooksHandler(books, images, nil)),
		WithUploads(images),
	)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("image", "dune.jpg")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("cover"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/books/upload", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var upload handlers.UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&upload))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, upload.ImageURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cover", rec.Body.String())

	worker := pipeline.NewWorker(queue, extract.Func(func(ctx context.Context, req extract.Request) (*extract.Fields, error) {
		return &extract.Fields{Title: "Dune", Author: "Frank Herbert", Year: "1965", Confidence: 0.9}, nil
	}), pipeline.WorkerConfig{})
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books/status/"+upload.JobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status pipeline.StatusEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, pipeline.StatusCompleted, status.Status)
	require.NotNil(t, status.Result)
	assert.Equal(t, "Dune", status.Result.Title)

	body, err := json.Marshal(map[string]any{
		"title":      status.Result.Title,
		"author":     status.Result.Author,
		"year":       status.Result.Year,
		"image_url":  upload.ImageURL,
		"confidence": status.Result.Confidence,
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/books/create", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created handlers.CreateBookResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotNil(t, created.Book.Year)
	assert.Equal(t, 1965, *created.Book.Year)
	assert.True(t, strings.HasPrefix(created.Book.CoverURL, "/uploads/"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books/"+created.Book.ID+"/full", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var full bookstore.BookWithImages
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&full))
	assert.Len(t, full.Images, 1)
}
