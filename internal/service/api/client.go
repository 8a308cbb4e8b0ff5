package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"sealchat/internal/utils/log"

	"go.uber.org/zap"
)

var (
	// ErrNotFound maps a 404 from any endpoint; callers use it to drive
	// fallbacks (legacy key registry, missing identity bundle).
	ErrNotFound = errors.New("not found")
)

type (
	// Response is the uniform server reply shape. Data stays raw until the
	// endpoint helper decodes it into its typed payload.
	Response struct {
		Success    bool            `json:"success"`
		Data       json.RawMessage `json:"data,omitempty"`
		Error      string          `json:"error,omitempty"`
		StatusCode int             `json:"-"`
	}

	// Client issues bearer-token JSON requests against the chat backend.
	Client struct {
		baseURL    string
		httpClient *http.Client
	}
)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// do sends one request and decodes the uniform response envelope. out, when
// non-nil, receives the decoded Data payload.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	envelope.StatusCode = resp.StatusCode

	if resp.StatusCode >= 400 || !envelope.Success {
		log.Debug("api request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", envelope.Error))
		return fmt.Errorf("%s %s: server error %d: %s", method, path, resp.StatusCode, envelope.Error)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode payload for %s: %w", path, err)
		}
	}
	return nil
}
