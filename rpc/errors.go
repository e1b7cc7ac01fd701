package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tomyedwab/orbd/tokens"
	"github.com/tomyedwab/orbd/types"
)

func statusForError(err error) (int, string) {
	if errors.Is(err, tokens.ErrInvalidToken) {
		return http.StatusUnauthorized, CodeUnauthorized
	}
	code := types.ErrorCode(err)
	switch {
	case errors.Is(err, types.ErrServerNotRegistered),
		errors.Is(err, types.ErrNoSuchEndpoint),
		errors.Is(err, types.ErrInvalidORBID):
		return http.StatusNotFound, code
	case errors.Is(err, types.ErrServerAlreadyRegistered),
		errors.Is(err, types.ErrServerAlreadyActive),
		errors.Is(err, types.ErrServerAlreadyInstalled),
		errors.Is(err, types.ErrServerAlreadyUninstalled),
		errors.Is(err, types.ErrServerNotActive),
		errors.Is(err, types.ErrORBAlreadyRegistered),
		errors.Is(err, types.ErrUnexpectedRegistration):
		return http.StatusConflict, code
	case errors.Is(err, types.ErrServerHeldDown):
		return http.StatusServiceUnavailable, code
	case errors.Is(err, types.ErrBadServerDefinition):
		return http.StatusBadRequest, code
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	writeErrorCode(w, status, code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
