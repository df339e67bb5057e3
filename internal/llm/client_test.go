package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBuildWireRequest_SessionFields(t *testing.T) {
	expire := time.Unix(1760000000, 0)
	prev := "resp_prev"

	w := buildWireRequest(Request{
		Model:              "narrator-large",
		Input:              []Message{{Role: "user", Content: "ot:hello"}},
		Temperature:        0.7,
		Store:              true,
		Caching:            true,
		ExpireAt:           &expire,
		PreviousResponseID: &prev,
	}, true)

	if !w.Stream || !w.Store {
		t.Error("expected stream and store set")
	}
	if w.ExpireAt != 1760000000 {
		t.Errorf("expected unix expire_at, got %d", w.ExpireAt)
	}
	if w.Caching == nil || w.Caching.Type != "enabled" {
		t.Error("expected caching enabled")
	}
	if w.PreviousResponseID == nil || *w.PreviousResponseID != prev {
		t.Error("expected previous_response_id carried")
	}
	if w.Thinking.Type != "disabled" {
		t.Errorf("expected thinking disabled, got %q", w.Thinking.Type)
	}
}

func TestBuildWireRequest_CachingOffDropsContinuation(t *testing.T) {
	prev := "resp_prev"
	w := buildWireRequest(Request{
		Model:              "narrator-small",
		Input:              []Message{{Role: "user", Content: "sb:...; cp:..."}},
		Store:              true,
		PreviousResponseID: &prev,
		JSONMode:           true,
	}, false)

	if w.Caching != nil {
		t.Error("caching must be omitted when the toggle is off")
	}
	if w.PreviousResponseID != nil {
		t.Error("previous_response_id must be omitted when the toggle is off")
	}
	if !w.Store {
		t.Error("store is independent of the caching toggle")
	}
	if w.Text == nil || w.Text.Format.Type != "json_object" {
		t.Error("expected json_object text format")
	}
}

func TestClient_Create(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		fmt.Fprint(rw, `{
			"id": "resp_123",
			"output": [{"type":"message","content":[{"type":"output_text","text":"{\"memory_content\":{}}"}]}],
			"usage": {"input_tokens": 900, "output_tokens": 40, "total_tokens": 940,
				"input_tokens_details": {"cached_tokens": 600}}
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", 5*time.Second)
	resp, err := c.Create(context.Background(), Request{
		Model:    "narrator-small",
		Input:    []Message{{Role: "system", Content: "extract"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "resp_123" {
		t.Errorf("expected id resp_123, got %s", resp.ID)
	}
	if resp.Text != `{"memory_content":{}}` {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.Usage.InputTokensDetails.CachedTokens != 600 {
		t.Errorf("expected 600 cached tokens, got %d", resp.Usage.InputTokensDetails.CachedTokens)
	}
}

func TestClient_Create_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "invalid model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Create(context.Background(), Request{Model: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRetriable(err) {
		t.Error("400 must not be retriable")
	}
}

func TestClient_Create_SingleAttempt(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(rw, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Create(context.Background(), Request{Model: "narrator-small"})
	if err == nil {
		t.Fatal("expected error")
	}
	// The failure is classified for the caller; the retry is the caller's
	// next trigger, not a loop in here.
	if !IsRetriable(err) {
		t.Error("503 must classify as retriable")
	}
	if attempts != 1 {
		t.Errorf("expected exactly one attempt, got %d", attempts)
	}
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		flusher := rw.(http.Flusher)
		deltas := []string{"你好", "。很高兴", "认识你！"}
		for _, d := range deltas {
			fmt.Fprintf(rw, "data: {\"type\":\"response.output_text.delta\",\"delta\":%q}\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(rw, `data: {"type":"response.completed","response":{"id":"resp_s1","output":[{"type":"message","content":[{"type":"output_text","text":"你好。很高兴认识你！"}]}],"usage":{"input_tokens":100,"output_tokens":12,"total_tokens":112,"input_tokens_details":{"cached_tokens":0}}}}`)
		fmt.Fprint(rw, "\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	events, err := c.Stream(context.Background(), Request{Model: "narrator-large", Store: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got strings.Builder
	var final *Response
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		got.WriteString(ev.Delta)
		if ev.Done {
			final = ev.Response
		}
	}

	if got.String() != "你好。很高兴认识你！" {
		t.Errorf("unexpected accumulated text %q", got.String())
	}
	if final == nil || final.ID != "resp_s1" {
		t.Fatalf("expected completion with id resp_s1, got %+v", final)
	}
	if final.Usage.OutputTokens != 12 {
		t.Errorf("expected 12 output tokens, got %d", final.Usage.OutputTokens)
	}
}

func TestClient_Stream_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(rw, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"partial\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	events, err := c.Stream(context.Background(), Request{Model: "narrator-large"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawErr bool
	for ev := range events {
		if ev.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("expected a terminal error for a truncated stream")
	}
}
