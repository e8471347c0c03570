package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/checkin"
	"github.com/kozaktomas/member-check/internal/constants"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/logging"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// errDatabaseUnavailable is returned when the remote store is not configured.
const errDatabaseUnavailable = "database not available"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps domain errors onto HTTP statuses. Unexpected
// errors are logged and reported as 500 without details.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classifyError(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	respondError(w, status, message)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, cache.ErrEntryNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, database.ErrDuplicate), errors.Is(err, checkin.ErrAlreadyRegistered):
		return http.StatusConflict, "already exists"
	case errors.Is(err, descriptor.ErrNoFace):
		return http.StatusUnprocessableEntity, "no face detected"
	case errors.Is(err, descriptor.ErrInvalidImage):
		return http.StatusBadRequest, "invalid image"
	case errors.Is(err, checkin.ErrBanned):
		return http.StatusForbidden, "member is banned"
	case errors.Is(err, checkin.ErrNameRequired), errors.Is(err, checkin.ErrNoImage):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

// parsePagination reads limit and offset query parameters.
func parsePagination(r *http.Request) (int, int) {
	limit := constants.DefaultHandlerPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = min(n, constants.MaxHandlerPageSize)
		}
	}
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// parseTimeParam reads an RFC 3339 timestamp or a YYYY-MM-DD date.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// readUpload reads a multipart image field, limited to MaxUploadSize.
func readUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, false
	}
	file, _, err := r.FormFile(field)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing "+field+" field")
		return nil, false
	}
	defer file.Close()

	buf, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read "+field+" field")
		return nil, false
	}
	if len(buf) == 0 {
		respondError(w, http.StatusBadRequest, "empty "+field+" field")
		return nil, false
	}
	return buf, true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
