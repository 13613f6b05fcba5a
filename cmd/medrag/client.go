package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/medrag/medrag/internal/config"
)

// apiClient talks to a running medrag server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient is a variable so tests can point commands at a fake server.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL:    serverURL(cfg),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}, nil
}

// serverURL is the address the CLI dials. A wildcard bind is reached over
// loopback.
func serverURL(cfg config.Config) string {
	switch cfg.Server.Bind {
	case "", "0.0.0.0", "::":
		return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	return fmt.Sprintf("http://%s:%d", cfg.Server.Bind, cfg.Server.Port)
}

// endpoint appends the non-empty values of q to path.
func endpoint(path string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			delete(q, k)
		}
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// send performs the request, adding the bearer token when one is configured.
func (c *apiClient) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is medrag running? (%w)", err)
	}
	return resp, nil
}

// call sends in as JSON (when non-nil) and decodes the answer into out
// (when non-nil).
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body, contentType = bytes.NewReader(b), "application/json"
	}
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// upload posts a local file to /ingest as multipart form data.
func (c *apiClient) upload(ctx context.Context, path, namespace string, reprocess bool, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if namespace != "" {
		mw.WriteField("namespace", namespace)
	}
	mw.WriteField("reprocess", strconv.FormatBool(reprocess))
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := c.send(ctx, http.MethodPost, "/ingest", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// apiError is the server's error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// decodeJSON closes resp. Error statuses become errors carrying the
// server's message.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e apiError
		msg := string(bytes.TrimSpace(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	if v == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
