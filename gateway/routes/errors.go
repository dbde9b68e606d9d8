package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	marketerrors "marketchain/core/errors"
)

var kindStatus = map[marketerrors.Kind]int{
	marketerrors.KindUnauthorized:      http.StatusForbidden,
	marketerrors.KindNotFound:          http.StatusNotFound,
	marketerrors.KindPhaseViolation:    http.StatusConflict,
	marketerrors.KindDuplicateCommit:   http.StatusConflict,
	marketerrors.KindInvalidPayment:    http.StatusPaymentRequired,
	marketerrors.KindInsufficientFunds: http.StatusPaymentRequired,
	marketerrors.KindOverdraft:         http.StatusPaymentRequired,
	marketerrors.KindInvalidArgument:   http.StatusBadRequest,
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps an operation failure onto an HTTP status. Unclassified
// errors are internal.
func statusFor(err error) (int, marketerrors.Kind) {
	kind := marketerrors.KindOf(err)
	if status, ok := kindStatus[kind]; ok {
		return status, kind
	}
	return http.StatusInternalServerError, kind
}

func writeMarketError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		writeJSONError(w, status, "Internal", err)
		return
	}
	writeJSONError(w, status, kind.String(), err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, marketerrors.KindInvalidArgument.String(), err)
}

func writeUnauthenticated(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, "Unauthenticated", fmt.Errorf("caller identity required"))
}

func writeJSONError(w http.ResponseWriter, status int, kind string, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]errorBody{"error": {Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"kind":"Internal","message":"marshal response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
