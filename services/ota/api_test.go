package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"otad/pkg/firmware"
	gos3 "otad/pkg/s3"
	"otad/services/audit"
)

const testLimit = 1024

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	now := c.t
	c.t = c.t.Add(time.Second)
	return now
}

type fakeAudit struct {
	entries []audit.Entry
	limit   int
	err     error
}

func (f *fakeAudit) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

type harness struct {
	dir     string
	handler http.Handler
	api     *API
}

func newHarness(t *testing.T, mutate func(*Store, *Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	clock := &stepClock{t: time.Unix(1700000000, 0)}
	fw, err := firmware.NewStore(dir, firmware.WithMaxUploadSize(testLimit), firmware.WithClock(clock.now))
	require.NoError(t, err)

	store := &Store{Firmware: fw, Descriptors: firmware.NewDescriptorStore(fw.Dir())}
	cfg := Config{Registry: prometheus.NewRegistry()}
	if mutate != nil {
		mutate(store, &cfg)
	}

	api, err := New(store, cfg, zerolog.Nop())
	require.NoError(t, err)
	h, err := api.Routes()
	require.NoError(t, err)

	return &harness{dir: fw.Dir(), handler: h, api: api}
}

func (h *harness) do(t *testing.T, method, target string, body io.Reader, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var payload map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	}
	return rec, payload
}

func (h *harness) upload(t *testing.T, target, field, filename string, content []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	if filename != "" {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	return h.do(t, http.MethodPost, target, &buf, mw.FormDataContentType())
}

func TestSaveConfigAction(t *testing.T) {
	h := newHarness(t, nil)

	rec, body := h.do(t, http.MethodPost, "/api?action=save_config",
		strings.NewReader(`{"version":"2.0.0","url":"http://ota.local/firmware/app.bin","extra":1}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["success"])
	require.Equal(t, map[string]any{
		"version":     "2.0.0",
		"url":         "http://ota.local/firmware/app.bin",
		"description": "",
		"force":       false,
	}, body["config"])

	rec, _ = h.do(t, http.MethodGet, "/firmware/version.json", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "{\n    \"version\": \"2.0.0\",\n    \"url\": \"http://ota.local/firmware/app.bin\",\n    \"description\": \"\",\n    \"force\": false\n}", rec.Body.String())

	_, body = h.do(t, http.MethodGet, "/api?action=get_config", nil, "")
	require.Equal(t, "2.0.0", body["config"].(map[string]any)["version"])
}

func TestSaveConfigRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name    string
		payload string
		message string
	}{
		{name: "missing url", payload: `{"version":"2.0.0"}`, message: "validation failed: version and url are required"},
		{name: "blank version", payload: `{"version":"  ","url":"http://x/a.bin"}`, message: "validation failed: version and url are required"},
		{name: "malformed", payload: `{"version":`, message: "invalid JSON payload"},
		{name: "trailing data", payload: `{"version":"1","url":"u"} trailing-garbage`, message: "invalid JSON payload"},
		{name: "two documents", payload: `{"version":"1","url":"u"}{"version":"2","url":"v"}`, message: "invalid JSON payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do(t, http.MethodPost, "/api?action=save_config", strings.NewReader(tt.payload), "application/json")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, false, body["success"])
			require.Equal(t, tt.message, body["message"])
		})
	}

	_, err := os.Stat(filepath.Join(h.dir, firmware.DescriptorFileName))
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, body := h.do(t, http.MethodGet, "/v1/config", nil, "")
	require.Equal(t, "1.0.0", body["config"].(map[string]any)["version"])
}

func TestUploadAction(t *testing.T) {
	h := newHarness(t, nil)

	rec, body := h.upload(t, "/api?action=upload", uploadField, "a.bin", []byte("first"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["success"])
	require.Equal(t, "a.bin", body["filename"])
	require.Equal(t, float64(5), body["size"])
	require.Equal(t, "http://example.com/firmware/a.bin", body["url"])
	require.Len(t, body["sha256"], 64)

	rec, body = h.upload(t, "/api?action=upload", uploadField, "a.bin", []byte("second"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := body["filename"].(string)
	require.NotEqual(t, "a.bin", second)
	require.True(t, strings.HasPrefix(second, "a_17000000"), second)

	rec, _ = h.do(t, http.MethodGet, "/firmware/a.bin", nil, "")
	require.Equal(t, "first", rec.Body.String())
	rec, _ = h.do(t, http.MethodGet, "/firmware/"+second, nil, "")
	require.Equal(t, "second", rec.Body.String())
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	_, body = h.do(t, http.MethodGet, "/api?action=list", nil, "")
	files := body["files"].([]any)
	require.Len(t, files, 2)
	require.Equal(t, second, files[0].(map[string]any)["name"])
	require.Equal(t, "a.bin", files[1].(map[string]any)["name"])
	require.Equal(t, "http://example.com/firmware/a.bin", files[1].(map[string]any)["url"])
}

func TestUploadRejections(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name     string
		field    string
		filename string
		size     int
		status   int
		message  string
	}{
		{name: "wrong extension", field: uploadField, filename: "x.txt", size: 10, status: http.StatusUnsupportedMediaType, message: "unsupported firmware format: only .bin files are accepted"},
		{name: "over limit", field: uploadField, filename: "big.bin", size: testLimit + 1, status: http.StatusRequestEntityTooLarge, message: "firmware exceeds size limit: maximum is 1024 bytes"},
		{name: "no file", field: uploadField, status: http.StatusBadRequest, message: "validation failed: no firmware file provided"},
		{name: "other field", field: "image", filename: "a.bin", size: 10, status: http.StatusBadRequest, message: "validation failed: no firmware file provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := bytes.Repeat([]byte{1}, tt.size)

			rec, body := h.upload(t, "/v1/firmware", tt.field, tt.filename, content)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, false, body["success"])
			require.Equal(t, tt.message, body["message"])

			// The management page only reads 200 responses.
			rec, body = h.upload(t, "/api?action=upload", tt.field, tt.filename, content)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Equal(t, false, body["success"])
			require.Equal(t, tt.message, body["message"])
		})
	}

	rec, body := h.do(t, http.MethodPost, "/v1/firmware", strings.NewReader("raw"), "application/octet-stream")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation failed: multipart form required", body["message"])

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUploadAcceptsExactLimit(t *testing.T) {
	h := newHarness(t, nil)

	rec, body := h.upload(t, "/v1/firmware", uploadField, "exact.bin", bytes.Repeat([]byte{7}, testLimit))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, float64(testLimit), body["size"])
}

func TestDeleteAction(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "a.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, firmware.DescriptorFileName), []byte("{}"), 0o644))

	tests := []struct {
		name     string
		filename string
		status   int
	}{
		{name: "empty", filename: "", status: http.StatusBadRequest},
		{name: "path escape", filename: "../../etc/passwd", status: http.StatusBadRequest},
		{name: "descriptor", filename: firmware.DescriptorFileName, status: http.StatusForbidden},
		{name: "missing", filename: "nope.bin", status: http.StatusNotFound},
		{name: "existing", filename: "a.bin", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do(t, http.MethodDelete, "/api?action=delete&filename="+tt.filename, nil, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, tt.status == http.StatusOK, body["success"])
		})
	}

	_, err := os.Stat(filepath.Join(h.dir, "a.bin"))
	require.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(h.dir, firmware.DescriptorFileName))
	require.NoError(t, err)
}

func TestActionDispatch(t *testing.T) {
	h := newHarness(t, nil)

	rec, body := h.do(t, http.MethodPost, "/api?action=reboot", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "invalid operation", body["message"])

	rec, _ = h.do(t, http.MethodGet, "/api", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/api?action=save_config", nil, "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	require.Equal(t, false, body["success"])

	rec, _ = h.do(t, http.MethodPost, "/api?action=delete&filename=a.bin", nil, "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestResourceRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodPut, "/v1/config", strings.NewReader(`{"version":"3.1.0","url":"http://x/fw.bin","force":true}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, body := h.do(t, http.MethodGet, "/v1/config", nil, "")
	require.Equal(t, true, body["config"].(map[string]any)["force"])

	rec, body = h.upload(t, "/v1/firmware", uploadField, "dir/fw v2.bin", []byte("payload"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "fw_v2.bin", body["filename"])

	_, body = h.do(t, http.MethodGet, "/v1/firmware", nil, "")
	require.Len(t, body["files"], 1)

	rec, _ = h.do(t, http.MethodDelete, "/v1/firmware/version.json", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/v1/firmware/%2e%2e", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/v1/firmware/fw_v2.bin", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, body = h.do(t, http.MethodGet, "/v1/firmware", nil, "")
	require.Equal(t, []any{}, body["files"])
}

func TestPublicBaseURL(t *testing.T) {
	h := newHarness(t, func(_ *Store, cfg *Config) {
		cfg.PublicBaseURL = "https://ota.example.net/"
	})

	_, body := h.upload(t, "/v1/firmware", uploadField, "a.bin", []byte("x"))
	require.Equal(t, "https://ota.example.net/firmware/a.bin", body["url"])
}

func TestDownload(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "a.bin"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "notes.txt"), []byte("secret"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/firmware/a.bin", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "234", rec.Body.String())

	for _, target := range []string{"/firmware/notes.txt", "/firmware/missing.bin", "/firmware/", "/firmware/%2e%2e"} {
		rec, _ := h.do(t, http.MethodGet, target, nil, "")
		require.Equal(t, http.StatusNotFound, rec.Code, target)
	}

	rec, _ = h.do(t, http.MethodGet, "/firmware/version.json", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresign(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/v1/firmware/a.bin/presign", nil, "")
	require.Equal(t, http.StatusFailedDependency, rec.Code)
	require.Equal(t, false, body["success"])

	client, err := gos3.NewClient(context.Background(), gos3.Config{
		Endpoint:       "localhost:8333",
		AccessKey:      "access",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	h = newHarness(t, func(s *Store, cfg *Config) {
		s.S3 = client
		cfg.MirrorBucket = "ota"
		cfg.MirrorPrefix = "firmware/"
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "a.bin"), []byte("x"), 0o644))

	rec, body = h.do(t, http.MethodGet, "/v1/firmware/a.bin/presign?ttl=99999", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(3600), body["expires_in"])
	link := body["url"].(string)
	require.True(t, strings.HasPrefix(link, "http://localhost:8333/ota/firmware/a.bin?"), link)
	require.Contains(t, link, "X-Amz-Expires=3600")

	_, body = h.do(t, http.MethodGet, "/v1/firmware/a.bin/presign", nil, "")
	require.Equal(t, float64(300), body["expires_in"])

	rec, _ = h.do(t, http.MethodGet, "/v1/firmware/a.bin/presign?ttl=abc", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/firmware/missing.bin/presign", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudit(t *testing.T) {
	h := newHarness(t, nil)
	rec, _ := h.do(t, http.MethodGet, "/v1/audit", nil, "")
	require.Equal(t, http.StatusFailedDependency, rec.Code)

	ledger := &fakeAudit{entries: []audit.Entry{{ID: 1, Actor: "otad", Action: "firmware.uploaded", Obj: "a.bin"}}}
	h = newHarness(t, func(s *Store, _ *Config) { s.Audit = ledger })

	rec, body := h.do(t, http.MethodGet, "/v1/audit?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, ledger.limit)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "a.bin", entries[0].(map[string]any)["obj"])

	rec, _ = h.do(t, http.MethodGet, "/v1/audit?limit=-1", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ledger.err = errors.New("boom")
	rec, _ = h.do(t, http.MethodGet, "/v1/audit", nil, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	h.upload(t, "/v1/firmware", uploadField, "x.txt", []byte("x"))
	rec, _ = h.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `ota_operations_total{operation="upload",result="unsupported_format"} 1`)

	require.NoError(t, os.RemoveAll(h.dir))
	rec, _ = h.do(t, http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api?action=upload", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{}, zerolog.Nop())
	require.Error(t, err)

	fw, err := firmware.NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(&Store{Firmware: fw}, Config{}, zerolog.Nop())
	require.Error(t, err)

	client, err := gos3.NewClient(context.Background(), gos3.Config{Endpoint: "localhost:8333", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	_, err = New(&Store{Firmware: fw, Descriptors: firmware.NewDescriptorStore(fw.Dir()), S3: client}, Config{}, zerolog.Nop())
	require.Error(t, err)
}

func TestEscapedNamesAreDecodedOnce(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "aA.bin"), []byte("AAA"), 0o644))

	rec, _ := h.do(t, http.MethodGet, "/firmware/a%2541.bin", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/v1/firmware/a%2541.bin", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/firmware/a%41.bin", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "AAA", rec.Body.String())

	_, err := os.Stat(filepath.Join(h.dir, "aA.bin"))
	require.NoError(t, err)
}
