// Package httpx holds the JSON and middleware helpers shared by the gateway
// handlers and its outbound clients.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrBadRequest wraps every DecodeJSON failure.
var ErrBadRequest = errors.New("bad request")

// DecodeJSON reads exactly one JSON value of at most maxBytes from the body.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(body)
	err := dec.Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	case errors.As(err, &tooLarge):
		return fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, tooLarge.Limit)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrBadRequest)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": msg}.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}
