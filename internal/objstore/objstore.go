// Package objstore persists synthesized audio to an S3-style HTTP object
// store and hands back the public URL recorded alongside the dialogue.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memoirhq/narrator/internal/retry"
)

type Client struct {
	baseURL   string
	publicURL string
	apiKey    string
	client    *http.Client
	backoff   retry.BackoffConfig
}

// New creates a client. baseURL receives PUTs; publicURL is the prefix
// readers fetch from, defaulting to baseURL when empty.
func New(baseURL, publicURL, apiKey string) *Client {
	if publicURL == "" {
		publicURL = baseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publicURL: strings.TrimRight(publicURL, "/"),
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 30 * time.Second},
		backoff:   retry.HTTPConfig(),
	}
}

// Put uploads one object and returns its public URL. Uploads run off any
// critical path, so transient failures are retried with backoff before the
// object is given up on.
func (c *Client) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	err := retry.WithBackoffHTTP(ctx, c.backoff, func() (int, error) {
		return c.put(ctx, key, contentType, data)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return c.publicURL + "/" + key, nil
}

func (c *Client) put(ctx context.Context, key, contentType string, data []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/"+key, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}
