package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/logging"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message,omitempty"`
	From    string      `json:"from,omitempty"`
	To      string      `json:"to,omitempty"`
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeInvalidPayload:     http.StatusBadRequest,
	apperr.CodeNotFound:           http.StatusNotFound,
	apperr.CodeInvalidTransition:  http.StatusConflict,
	apperr.CodeConflict:           http.StatusConflict,
	apperr.CodeNotTargetDriver:    http.StatusConflict,
	apperr.CodeLocationRequired:   http.StatusUnprocessableEntity,
	apperr.CodeStorageUnavailable: http.StatusServiceUnavailable,
	apperr.CodeGuestNameRequired:  http.StatusBadRequest,
	apperr.CodeGuestPhoneRequired: http.StatusBadRequest,
	apperr.CodePaymentFailed:      http.StatusPaymentRequired,
	apperr.CodeInternal:           http.StatusInternalServerError,
}

func statusFor(code apperr.Code) int {
	if st, ok := statusByCode[code]; ok {
		return st
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	status := statusFor(e.Code)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error("request_failed", "code", e.Code, "error", err)
	}
	msg := e.Message
	if e.Code == apperr.CodeInternal {
		msg = "internal error"
	}
	writeJSON(w, status, envelope{Error: &errorBody{Code: e.Code, Message: msg, From: e.From, To: e.To}})
}

// decode reads a JSON body into v. An empty body is allowed when optional
// is set and leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidPayload, err, "malformed json body")
	}
	return nil
}

func pathID(r *http.Request) string { return mux.Vars(r)["id"] }
