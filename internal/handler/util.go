package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/bot"
	"github.com/capitalize-ai/conversation-bridge/internal/service"
)

// maxBodyBytes bounds request bodies; images travel base64-encoded inside them.
const maxBodyBytes = 64 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeFailure maps a dispatcher or taxonomy error to a status and writes it. Taxonomy
// errors keep their code so clients can branch on it.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bot.ErrUnknownModel):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, bot.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, service.ErrReplayUnavailable):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	e := aierr.Wrap(err)
	writeJSON(w, statusFor(e.Kind), map[string]any{
		"error": e.Message,
		"code":  e.Kind,
	})
}

func statusFor(kind aierr.Kind) int {
	switch kind {
	case aierr.InvalidThreadID:
		return http.StatusNotFound
	case aierr.InvalidRequest, aierr.FeatureNotSupported, aierr.UploadAmountExceeded:
		return http.StatusBadRequest
	case aierr.RateLimitExceeded:
		return http.StatusTooManyRequests
	case aierr.ConversationLimit:
		return http.StatusUnprocessableEntity
	case aierr.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case aierr.NetworkError, aierr.Unauthorized, aierr.MissingAPIKey, aierr.MissingHostPermission,
		aierr.PowChallengeFailed, aierr.ResponseParsingError, aierr.MetadataInitializationError,
		aierr.InvalidMetadata, aierr.UploadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
