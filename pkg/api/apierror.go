// Package api is the inbound HTTP surface of an instance: the identity
// document, the signed federation endpoints and the read endpoints other
// instances query.
//
// Every error response carries a fault.Body ({message, code, class}) so that
// the calling instance can rebuild the most specific fault class.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/rs/zerolog/log"
)

// WriteJSON writes v as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteFault renders err with the HTTP status of its fault class.
// Errors that are not faults are logged and answered with a generic 500;
// their text never reaches the caller.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	f, ok := fault.As(err)
	if !ok {
		WriteInternal(w, r, err)
		return
	}
	if f.HTTPStatus() >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", w.Header().Get(requestIDHeader)).Msg("request failed")
	}
	WriteJSON(w, f.HTTPStatus(), f.Body())
}

// WriteBadRequest answers 400 with an invalid_parameters fault.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	f := fault.New(fault.ClassInvalidParameters, "%s", detail)
	WriteJSON(w, http.StatusBadRequest, f.Body())
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	f := fault.New(fault.ClassTooManyRequests, "rate limit exceeded, retry after %ds", retryAfterSecs)
	WriteJSON(w, http.StatusTooManyRequests, f.Body())
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", w.Header().Get(requestIDHeader)).Msg("internal server error")
	WriteJSON(w, http.StatusInternalServerError, fault.Body{
		Message: "an unexpected error occurred",
		Class:   fault.ClassApplication,
	})
}
