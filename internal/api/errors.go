package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medrex/healthchain/pkg/types"
)

type errorBody struct {
	Type           types.ErrorType        `json:"type"`
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Classification types.Classification   `json:"classification"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps an error category to its HTTP status.
func statusFor(t types.ErrorType) int {
	switch t {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeUnauthenticated:
		return http.StatusUnauthorized
	case types.ErrorTypeForbidden:
		return http.StatusForbidden
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeSelfGrant, types.ErrorTypeInvalidDuration, types.ErrorTypeDecryption:
		return http.StatusUnprocessableEntity
	case types.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he *types.HealthError
	if !errors.As(err, &he) {
		he = types.NewInternalError(types.ErrCodeInternalError, "internal error", err)
	}
	body := errorBody{
		Type:           he.Type,
		Code:           he.Code,
		Message:        he.Message,
		Classification: types.Classify(he),
		Details:        he.Details,
	}
	status := statusFor(he.Type)
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
		if he.Type == types.ErrorTypeInternal {
			body.Message = "internal error"
		}
	}
	s.writeJSON(w, status, map[string]interface{}{"error": body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}
