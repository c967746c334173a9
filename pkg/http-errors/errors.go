package httpErrors

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "hookbridge/pkg/domain-errors"
)

// ToHTTPStatus translates domain error codes to HTTP status codes.
// The webhook ingress relies on the undeliverable → 503 mapping so the
// upstream sender's retry policy can act on it.
func ToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeProtocol:
		return http.StatusBadRequest
	case dErrors.CodeAuthentication:
		return http.StatusUnauthorized
	case dErrors.CodeAuthorization, dErrors.CodeOrgNotConfigured:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeUpstream:
		return http.StatusBadGateway
	case dErrors.CodeUndeliverable:
		return http.StatusServiceUnavailable
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response with the given status.
// Encoding errors after WriteHeader cannot change the status code, so they are ignored.
func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// WriteError centralizes domain error translation to HTTP responses.
// Non-domain errors collapse to a generic 500 so internals never leak.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		response := map[string]string{
			"error": string(domainErr.Code),
		}
		if domainErr.Message != "" {
			response["error_description"] = domainErr.Message
		}
		WriteJSON(w, ToHTTPStatus(domainErr.Code), response)
		return
	}

	WriteJSON(w, http.StatusInternalServerError, map[string]string{
		"error": string(dErrors.CodeInternal),
	})
}
