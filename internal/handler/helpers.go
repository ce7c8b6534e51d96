package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/middleware"
	"github.com/docchat/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: string(kindForStatus(status))})
}

// writeAppError отдаёт ошибку ядра в виде {"error", "code"} со статусом по её виду.
// Причина ошибки клиенту не уходит, только в лог.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindUpstreamFailure {
		logger.L().Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorResponse{Error: apperr.Message(err), Code: string(kind)})
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest:
		return apperr.KindInvalidArgument
	case http.StatusUnauthorized:
		return apperr.KindUnauthenticated
	case http.StatusForbidden:
		return apperr.KindCapabilityDenied
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusBadGateway:
		return apperr.KindUpstreamFailure
	}
	return apperr.KindInternal
}

// decodeJSON читает тело запроса; ошибка разбора — InvalidArgument.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("invalid body")
	}
	return nil
}

// principal достаёт участника, которого положил middleware.Authenticator.
func principal(r *http.Request) (model.Principal, error) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return model.Principal{}, apperr.Unauthenticated("unauthorized")
	}
	return p, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
