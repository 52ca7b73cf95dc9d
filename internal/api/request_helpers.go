package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/api/middleware"
	"github.com/phrazzld/banksync/internal/api/shared"
	"github.com/phrazzld/banksync/internal/platform/logger"
	"github.com/phrazzld/banksync/internal/task"
)

// getPathUUID extracts and parses a UUID path parameter.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", task.ErrValidation, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", task.ErrValidation, paramName)
	}
	return id, nil
}

// handleOwnerID extracts the authenticated owner, writing a 401 when absent.
func handleOwnerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		logger.FromContext(r.Context()).Warn("owner id not found in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Owner not found or invalid")
		return 0, false
	}
	return ownerID, true
}

// handleOwnerIDAndPathUUID extracts both the owner and a path UUID. It
// writes an error response and returns false if either extraction fails.
func handleOwnerIDAndPathUUID(w http.ResponseWriter, r *http.Request, paramName string) (int64, uuid.UUID, bool) {
	ownerID, ok := handleOwnerID(w, r)
	if !ok {
		return 0, uuid.Nil, false
	}

	id, err := getPathUUID(r, paramName)
	if err != nil {
		logger.FromContext(r.Context()).Warn("invalid path parameter",
			"param_name", paramName,
			"value", chi.URLParam(r, paramName))
		HandleAPIError(w, r, err, "Invalid task id")
		return 0, uuid.Nil, false
	}
	return ownerID, id, true
}
