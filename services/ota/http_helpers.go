package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"otad/pkg/firmware"
)

const maxJSONBody = 64 << 10

var errInvalidJSON = errors.New("invalid JSON payload")

// decodeJSON reads a JSON body into dest. Unknown fields are ignored so older
// presentation layers sending extra keys keep working.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errInvalidJSON
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dest); err != nil {
		return errInvalidJSON
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errInvalidJSON
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// respond writes the success/message envelope merged with extras. success
// follows the status code.
func respond(w http.ResponseWriter, status int, message string, extras map[string]any) {
	writeEnvelope(w, status, status < http.StatusBadRequest, message, extras)
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, extras map[string]any) {
	body := make(map[string]any, len(extras)+2)
	for k, v := range extras {
		body[k] = v
	}
	body["success"] = success
	body["message"] = message
	respondJSON(w, status, body)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respond(w, status, err.Error(), nil)
}

// respondStoreError maps firmware store errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err)
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, firmware.ErrSizeLimit):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, firmware.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, firmware.ErrValidation), errors.Is(err, firmware.ErrPathEscape), errors.Is(err, errInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, firmware.ErrProtected):
		return http.StatusForbidden
	case errors.Is(err, firmware.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorKind names err for metric labels.
func errorKind(err error) string {
	switch statusFor(err) {
	case http.StatusRequestEntityTooLarge:
		return "size_limit"
	case http.StatusUnsupportedMediaType:
		return "unsupported_format"
	case http.StatusBadRequest:
		if errors.Is(err, firmware.ErrPathEscape) {
			return "path_escape"
		}
		return "invalid"
	case http.StatusForbidden:
		return "protected"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "io"
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// baseURL returns the public origin for download links.
func (a *API) baseURL(r *http.Request) string {
	if a.config.PublicBaseURL != "" {
		return a.config.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (a *API) artifactURL(r *http.Request, name string) string {
	return a.baseURL(r) + "/firmware/" + url.PathEscape(name)
}

// pathParam returns the decoded route parameter key. chi routes on RawPath
// when the request has one, and only then are parameters still escaped.
func pathParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("%w: %q", firmware.ErrPathEscape, v)
	}
	return decoded, nil
}
