package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/coverscan/pkg/imagestore"
)

// UploadsHandler serves stored images by key from the wildcard URL segment.
func UploadsHandler(images imagestore.Getter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		rc, info, err := images.Get(r.Context(), key)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		defer func() { _ = rc.Close() }()

		ct := imagestore.ContentTypeFor(key)
		if info != nil {
			if info.ContentType != "" {
				ct = info.ContentType
			}
			if info.Size > 0 {
				w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
			}
			if !info.LastModified.IsZero() {
				w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
			}
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
	}
}
