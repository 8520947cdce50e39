package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/blob"
)

// FileHandler serves files of a blob.LocalStore to holders of a signed URL.
type FileHandler struct {
	store  *blob.LocalStore
	logger zerolog.Logger
}

func NewFileHandler(store *blob.LocalStore, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		store:  store,
		logger: logger.With().Str("component", "file_handler").Logger(),
	}
}

func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	if err := h.store.VerifyToken(key, token); err != nil {
		http.Error(w, "Invalid or expired token", http.StatusForbidden)
		return
	}

	f, info, err := h.store.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("key", key).Msg("failed to open file")
		http.Error(w, "Failed to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("file download interrupted")
	}
}
