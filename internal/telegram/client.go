package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxMessageLength is the longest text the Bot API accepts in one message.
const MaxMessageLength = 4096

// MaxDownloadSize is the largest file the Bot API lets bots download.
const MaxDownloadSize = 20 << 20

// Client is a minimal Bot API client: sending text and downloading files.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. baseURL defaults to https://api.telegram.org.
func NewClient(token, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type fileInfo struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

// SendMessage posts text to a chat. Text longer than MaxMessageLength is cut.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if r := []rune(text); len(r) > MaxMessageLength {
		text = string(r[:MaxMessageLength-3]) + "..."
	}
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.method("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

// DownloadFile resolves fileID and returns the file contents.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.method("getFile")+"?file_id="+url.QueryEscape(fileID), nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var fi fileInfo
	if err := json.Unmarshal(raw, &fi); err != nil {
		return nil, fmt.Errorf("decoding getFile result: %w", err)
	}
	if fi.FilePath == "" {
		return nil, errors.New("getFile returned no file path")
	}
	if fi.FileSize > MaxDownloadSize {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", fi.FileSize, MaxDownloadSize)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, fi.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if len(data) > MaxDownloadSize {
		return nil, fmt.Errorf("file exceeds %d bytes", MaxDownloadSize)
	}
	return data, nil
}

func (c *Client) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, name)
}

// do sends req and unwraps the Bot API envelope. The token is part of the
// URL, so transport errors are reported without it.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	method := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decoding response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, out.Description)
	}
	return out.Result, nil
}
