package relayapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	v1 "screenrelay/shared/contracts/relay/v1"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorResponse{Error: v1.APIError{Code: code, Message: msg}})
}

// decodeJSON reads exactly one JSON value into dst. An empty body yields io.EOF.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// writeDecodeError maps body decoding failures onto 400/413 responses.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, v1.CodePayloadTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, v1.CodeInvalidJSON, "invalid JSON body")
}
