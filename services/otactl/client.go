package otactl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"otad/pkg/firmware"
)

// APIError is a failure reported by the server envelope.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// File is a listed firmware image.
type File struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
}

// Uploaded is the server's answer to a push.
type Uploaded struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
}

// Client talks to the otad resource routes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// GetConfig returns the published descriptor.
func (c *Client) GetConfig(ctx context.Context) (firmware.Descriptor, error) {
	var out struct {
		Config firmware.Descriptor `json:"config"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/config", nil, "", &out)
	return out.Config, err
}

// SaveConfig publishes in and returns the stored descriptor.
func (c *Client) SaveConfig(ctx context.Context, in firmware.DescriptorInput) (firmware.Descriptor, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return firmware.Descriptor{}, err
	}
	var out struct {
		Config firmware.Descriptor `json:"config"`
	}
	err = c.do(ctx, http.MethodPut, "/v1/config", bytes.NewReader(payload), "application/json", &out)
	return out.Config, err
}

// List returns the stored images, newest first.
func (c *Client) List(ctx context.Context) ([]File, error) {
	var out struct {
		Files []File `json:"files"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/firmware", nil, "", &out)
	return out.Files, err
}

// Push uploads r under name. The server may store it under a different name.
func (c *Client) Push(ctx context.Context, name string, r io.Reader) (Uploaded, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("firmware", filepath.Base(name))
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var out Uploaded
	err := c.do(ctx, http.MethodPost, "/v1/firmware", pr, mw.FormDataContentType(), &out)
	// Unblock the writer if the server answered before consuming the body.
	pr.Close()
	return out, err
}

// Delete removes the named image.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/firmware/"+url.PathEscape(name), nil, "", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if !envelope.Success || resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode, Message: envelope.Message}
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
