package server

import (
	"io"
	"net/http"

	"github.com/caffeineduck/fnhost/storage"
)

// InvocationHeader carries the invocation ID on every exec response.
const InvocationHeader = "X-Invocation-Id"

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	ref := storage.Ref{Namespace: r.PathValue("bucket"), Key: r.PathValue("key")}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayloadSize))
	if err != nil {
		s.writeBodyError(w, r, err)
		return
	}

	res := s.exec.Invoke(r.Context(), ref, string(payload))
	w.Header().Set(InvocationHeader, res.ID)
	if res.Error != nil {
		s.writeError(w, r, res.Error)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, res.Output)
}
