package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/log"
)

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("httpapi").Error().Err(err).Msg("failed to encode response body")
	}
}

type errorEnvelope struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

func respondError(w http.ResponseWriter, status int, code apierr.Code, message string) {
	respond(w, status, errorEnvelope{Code: code, Message: message})
}

// respondAPIErr translates a pkg/apierr.Error's Class into an HTTP status
// per the error-handling taxonomy: input/conflict/not_found map to client
// errors, everything backend- or internal-classed maps to 500 since by the
// time it reaches the HTTP layer retries have already been exhausted.
func respondAPIErr(w http.ResponseWriter, err error) {
	e, ok := apierr.As(err)
	if !ok {
		respondError(w, http.StatusInternalServerError, apierr.CodeUnexpectedResponse, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch e.Class {
	case apierr.ClassInput:
		status = http.StatusBadRequest
	case apierr.ClassConflict:
		status = http.StatusConflict
	case apierr.ClassNotFound:
		status = http.StatusNotFound
	case apierr.ClassBackendTransient, apierr.ClassBackendPermanent, apierr.ClassInternal:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		log.WithComponent("httpapi").Error().Err(e).Str("code", string(e.Code)).Msg("backend error")
	}

	respondError(w, status, e.Code, e.Message)
}
