// Package llm talks to the provider's Responses API: non-streaming calls
// with optional JSON output for the background agents, SSE streaming for
// the interviewer, and server-side session caching via
// previous_response_id / expire_at.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memoirhq/narrator/internal/retry"
)

var tracer = otel.Tracer("narrator/llm")

// Message is one input item of a Responses API call.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one provider call. Caching is the session toggle:
// without it the call never continues a response chain, no matter what
// PreviousResponseID holds. JSONMode forces a JSON object reply.
type Request struct {
	Model              string
	Input              []Message
	Temperature        float64
	Store              bool
	Caching            bool
	ExpireAt           *time.Time
	PreviousResponseID *string
	JSONMode           bool
}

// Usage mirrors the provider's token accounting.
type Usage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

// Response is the completed result of a call: the response id doubles as
// the session handle when caching is on.
type Response struct {
	ID    string
	Text  string
	Usage Usage
}

// StreamEvent is one item of a streaming call. Exactly one terminal event
// arrives: either Err is set or Done is true with Response filled.
type StreamEvent struct {
	Delta    string
	Done     bool
	Response *Response
	Err      error
}

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

// Retriable reports whether the call may be retried against a fresh
// session (rate limits and server-side failures).
func (e *APIError) Retriable() bool {
	return retry.IsRetryableHTTPStatus(e.StatusCode)
}

// IsRetriable classifies an error from Create/Stream as transient.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retriable()
	}
	return retry.IsRetryableError(err)
}

// Client issues single-shot calls: a failure surfaces to the caller, and
// recovery is the next natural trigger (the dialogue's next turn, the next
// threshold crossing) rather than a retry loop in here.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Wire types. thinking is always disabled: the narration agents answer
// from their prompts, reasoning traces only add latency and tokens.
type wireRequest struct {
	Model              string        `json:"model"`
	Input              []Message     `json:"input"`
	Temperature        float64       `json:"temperature"`
	Stream             bool          `json:"stream"`
	Store              bool          `json:"store"`
	ExpireAt           int64         `json:"expire_at,omitempty"`
	Thinking           wireThinking  `json:"thinking"`
	Text               *wireText     `json:"text,omitempty"`
	PreviousResponseID *string       `json:"previous_response_id,omitempty"`
	Caching            *wireCaching  `json:"caching,omitempty"`
}

type wireThinking struct {
	Type string `json:"type"`
}

type wireText struct {
	Format wireTextFormat `json:"format"`
}

type wireTextFormat struct {
	Type string `json:"type"`
}

type wireCaching struct {
	Type string `json:"type"`
}

func buildWireRequest(req Request, stream bool) wireRequest {
	w := wireRequest{
		Model:       req.Model,
		Input:       req.Input,
		Temperature: req.Temperature,
		Stream:      stream,
		Store:       req.Store,
		Thinking:    wireThinking{Type: "disabled"},
	}
	if req.ExpireAt != nil {
		w.ExpireAt = req.ExpireAt.Unix()
	}
	if req.JSONMode {
		w.Text = &wireText{Format: wireTextFormat{Type: "json_object"}}
	}
	if req.Caching {
		w.Caching = &wireCaching{Type: "enabled"}
		w.PreviousResponseID = req.PreviousResponseID
	}
	return w
}

type wireResponse struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage Usage `json:"usage"`
}

func (w *wireResponse) toResponse() *Response {
	var b strings.Builder
	for _, item := range w.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	return &Response{ID: w.ID, Text: b.String(), Usage: w.Usage}
}

// Create issues a non-streaming call.
func (c *Client) Create(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.store", req.Store),
		attribute.Bool("llm.json_mode", req.JSONMode),
	)

	body, err := json.Marshal(buildWireRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	_, respBody, err := c.post(ctx, body, false)
	if err != nil {
		return nil, err
	}

	var wr wireResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return wr.toResponse(), nil
}

// Stream issues a streaming call. The returned channel carries text deltas
// and ends with a terminal event (Done or Err); it is closed afterwards.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ctx, span := tracer.Start(ctx, "llm.stream")
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.store", req.Store),
	)

	body, err := json.Marshal(buildWireRequest(req, true))
	if err != nil {
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		span.End()
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq) //nolint:bodyclose // closed by the reader goroutine
	if err != nil {
		span.End()
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		span.End()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer span.End()
		defer close(events)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				events <- StreamEvent{Err: ctx.Err()}
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					events <- StreamEvent{Err: fmt.Errorf("read stream: %w", err)}
					return
				}
				// Stream ended without a completion event.
				events <- StreamEvent{Err: fmt.Errorf("stream ended before completion")}
				return
			}

			lineStr := strings.TrimSpace(string(line))
			if lineStr == "" || !strings.HasPrefix(lineStr, "data: ") {
				continue
			}
			data := strings.TrimPrefix(lineStr, "data: ")
			if data == "[DONE]" {
				events <- StreamEvent{Err: fmt.Errorf("stream ended before completion")}
				return
			}

			var ev struct {
				Type     string        `json:"type"`
				Delta    string        `json:"delta"`
				Response *wireResponse `json:"response"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "response.output_text.delta":
				if ev.Delta != "" {
					events <- StreamEvent{Delta: ev.Delta}
				}
			case "response.completed":
				var final *Response
				if ev.Response != nil {
					final = ev.Response.toResponse()
				}
				events <- StreamEvent{Done: true, Response: final}
				return
			case "response.failed", "response.error":
				events <- StreamEvent{Err: fmt.Errorf("provider reported stream failure")}
				return
			}
		}
	}()

	return events, nil
}

func (c *Client) post(ctx context.Context, body []byte, stream bool) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp.StatusCode, b, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
