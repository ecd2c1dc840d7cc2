package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/coverscan/internal/errors"
	"github.com/3leaps/coverscan/pkg/imagestore"
	"github.com/3leaps/coverscan/pkg/pipeline"
)

// DefaultUploadsPath is the URL path stored images are served under.
const DefaultUploadsPath = "/uploads/"

// multipart overhead allowed on top of the image limit
const formOverhead = 1 << 20

// JobsConfig wires a JobsHandler.
type JobsConfig struct {
	Gateway  *pipeline.Gateway
	Resolver *pipeline.Resolver
	Images   imagestore.Store
	Filter   *imagestore.Filter

	// UploadsPath prefixes image keys in returned URLs. Defaults to DefaultUploadsPath.
	UploadsPath string

	Logger *zap.Logger
}

// JobsHandler accepts cover uploads and reports job status.
type JobsHandler struct {
	cfg JobsConfig
	log *zap.Logger
}

// UploadResponse is returned once an upload is queued.
type UploadResponse struct {
	Message    string `json:"message"`
	JobID      string `json:"jobId"`
	ImageURL   string `json:"imageUrl"`
	TempBookID string `json:"temp_book_id"`
}

func NewJobsHandler(cfg JobsConfig) (*JobsHandler, error) {
	if cfg.Gateway == nil || cfg.Resolver == nil || cfg.Images == nil {
		return nil, fmt.Errorf("jobs handler: gateway, resolver and images are required")
	}
	if cfg.Filter == nil {
		f, err := imagestore.NewFilter(nil, 0)
		if err != nil {
			return nil, err
		}
		cfg.Filter = f
	}
	if cfg.UploadsPath == "" {
		cfg.UploadsPath = DefaultUploadsPath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &JobsHandler{cfg: cfg, log: log}, nil
}

// Upload stores the multipart "image" file and queues an extraction job.
func (h *JobsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	maxBytes := h.cfg.Filter.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+formOverhead)

	if err := r.ParseMultipartForm(formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, r, apperrors.NewInvalidInput(fmt.Sprintf("image exceeds %d bytes", maxBytes)))
			return
		}
		respondWithError(w, r, apperrors.NewInvalidInput("No file uploaded"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidInput("No file uploaded"))
		return
	}
	defer func() { _ = file.Close() }()

	if !h.cfg.Filter.Allow(header.Filename) {
		respondWithError(w, r, apperrors.NewInvalidInput(
			fmt.Sprintf("unsupported image type %q (allowed: %s)", header.Filename, strings.Join(h.cfg.Filter.Patterns(), ", "))))
		return
	}
	if header.Size > maxBytes {
		respondWithError(w, r, apperrors.NewInvalidInput(fmt.Sprintf("image exceeds %d bytes", maxBytes)))
		return
	}

	key := imagestore.NewKey(header.Filename)
	if err := h.cfg.Images.Put(ctx, key, file, header.Size, imagestore.ContentTypeFor(key)); err != nil {
		h.log.Error("store upload failed", zap.String("key", key), zap.Error(err))
		respondWithError(w, r, apperrors.WrapInternal(ctx, err, "failed to store image"))
		return
	}

	jobID, err := h.cfg.Gateway.Submit(ctx, key, r.FormValue("language"))
	if err != nil {
		if derr := h.cfg.Images.Delete(ctx, key); derr != nil {
			h.log.Warn("remove orphaned upload", zap.String("key", key), zap.Error(derr))
		}
		h.log.Error("queue job failed", zap.String("key", key), zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	h.log.Info("job queued",
		zap.String("job_id", jobID),
		zap.String("key", key),
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))

	writeJSON(w, http.StatusOK, UploadResponse{
		Message:    "Processing started",
		JobID:      jobID,
		ImageURL:   h.cfg.UploadsPath + key,
		TempBookID: uuid.NewString(),
	})
}

// Status reports the job named by the jobId URL parameter.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	env, err := h.cfg.Resolver.Status(r.Context(), jobID)
	if err != nil {
		h.log.Error("status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	status := http.StatusOK
	if env.Status == pipeline.StatusNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, env)
}
