package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/executor"
	"github.com/caffeineduck/fnhost/faults"
	"github.com/caffeineduck/fnhost/storage"
)

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// Categories for failures outside the invocation taxonomy.
const (
	categoryStore    = "store"
	categoryRequest  = "request"
	categoryInternal = "internal"
)

// StatusClientClosedRequest answers a request whose client went away before
// the invocation finished. Nobody reads it; it keeps the access log honest.
const StatusClientClosedRequest = 499

// classify maps err to a status code and category.
func classify(err error) (int, string) {
	if kind := faults.KindOf(err); kind != "" {
		switch kind {
		case faults.KindArtifactFetch:
			if errors.Is(err, storage.ErrNotFound) {
				return http.StatusNotFound, string(kind)
			}
			return http.StatusBadGateway, string(kind)
		case faults.KindPayloadSerialization:
			return http.StatusBadRequest, string(kind)
		case faults.KindCompile, faults.KindLink:
			return http.StatusUnprocessableEntity, string(kind)
		case faults.KindTimeout:
			return http.StatusGatewayTimeout, string(kind)
		case faults.KindCanceled:
			return StatusClientClosedRequest, string(kind)
		default:
			return http.StatusInternalServerError, string(kind)
		}
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, categoryStore
	case errors.Is(err, storage.ErrExists), errors.Is(err, storage.ErrNotEmpty):
		return http.StatusConflict, categoryStore
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest, categoryStore
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, categoryRequest
	case errors.Is(err, executor.ErrClosed), errors.Is(err, executor.ErrStrategyClosed):
		return http.StatusServiceUnavailable, categoryInternal
	default:
		return http.StatusBadGateway, categoryStore
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, category := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("category", category),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Category: category})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Category: categoryRequest})
}
