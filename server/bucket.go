package server

import (
	"fmt"
	"net/http"

	"github.com/caffeineduck/fnhost/storage"
)

type bucketListResponse struct {
	Files []storage.Object `json:"files"`
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	if err := s.store.CreateNamespace(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, fmt.Sprintf("bucket %s created", bucket))
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	if err := s.store.DeleteNamespace(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, fmt.Sprintf("bucket %s deleted", bucket))
}

func (s *Server) handleListBucket(w http.ResponseWriter, r *http.Request) {
	objects, err := s.store.List(r.Context(), r.PathValue("bucket"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if objects == nil {
		objects = []storage.Object{}
	}
	writeJSON(w, http.StatusOK, bucketListResponse{Files: objects})
}
