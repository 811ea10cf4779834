package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"go.uber.org/zap"
)

// uploadField is the multipart field holding the file body.
const uploadField = "file"

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("expected multipart body: %v", err))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeBodyError(w, r, err)
			return
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		err = s.store.Put(r.Context(), bucket, key, part)
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeBodyError(w, r, err)
				return
			}
			s.writeError(w, r, err)
			return
		}
		writeMessage(w, http.StatusCreated, fmt.Sprintf("file %s uploaded to %s", key, bucket))
		return
	}

	writeBadRequest(w, "missing file in multipart body")
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")

	rc, err := s.store.Fetch(r.Context(), bucket, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	bucket, key := r.PathValue("bucket"), r.PathValue("key")
	if err := s.store.Delete(r.Context(), bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("file %s deleted from %s", key, bucket))
}

// writeBodyError reports a request body that could not be read.
func (s *Server) writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:    fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			Category: categoryRequest,
		})
		return
	}
	writeBadRequest(w, err.Error())
}
