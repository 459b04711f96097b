package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

const maxBodyBytes = 64 << 10

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusUnauthorized
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the text safe to show a client. Domain sentinels
// carry their own message; everything else is summarised.
func publicMessage(err error, status int) string {
	switch status {
	case http.StatusBadGateway:
		return "upstream service unavailable"
	case http.StatusInternalServerError:
		return "internal error"
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if classified, ok := e.(*errs.Error); ok && classified.Msg != "" {
			return classified.Msg
		}
	}
	return http.StatusText(status)
}

// writeError answers a wallet request with a plain-text status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", r.Pattern, "error", err)
	}
	http.Error(w, publicMessage(err, status), status)
}

// writeFailure answers an operator API request with a JSON error body.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", r.Pattern, "error", err)
	}
	writeAPIError(w, status, publicMessage(err, status))
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.KindValidation, "decode body", err)
	}
	return nil
}
