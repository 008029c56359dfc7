package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/attachments"
)

type UploadResponse struct {
	Ref  string `json:"ref"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type AttachmentHandler struct {
	Store    *attachments.Store
	MaxBytes int64
	Log      *zap.Logger
}

// Upload stores the multipart "file" field and returns its reference.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	// Allow for multipart framing on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, h.Log, apperr.Validation("file exceeds %d bytes", h.MaxBytes))
			return
		}
		writeError(w, r, h.Log, apperr.Validation("missing file field: %v", err))
		return
	}
	defer file.Close()

	ref, kind, err := h.Store.Save(file, header.Filename)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	url, err := h.Store.URL(ref)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Ref: ref, Kind: kind, URL: url})
}

func (h *AttachmentHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	f, err := h.Store.Open(ref)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, ref, info.ModTime(), f)
}
