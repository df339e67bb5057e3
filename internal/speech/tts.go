// Package speech synthesizes reply sentences into audio. The client talks
// to an OpenAI-compatible speech endpoint; the pipeline keeps synthesis off
// the dialogue turn's critical path while preserving sentence order.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoirhq/narrator/internal/config"
	"github.com/memoirhq/narrator/internal/metrics"
)

var tracer = otel.Tracer("narrator/speech")

type Client struct {
	cfg    config.TTSConfig
	client *http.Client
}

type synthesisRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

func NewClient(cfg config.TTSConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize turns one sentence into MP3 audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "tts.synthesize",
		trace.WithAttributes(
			attribute.Int("text.length", len([]rune(text))),
			attribute.String("tts.model", c.cfg.Model),
			attribute.String("tts.voice", c.cfg.Voice),
		))
	defer span.End()

	speed := c.cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}
	body, err := json.Marshal(synthesisRequest{
		Model:          c.cfg.Model,
		Input:          text,
		Voice:          c.cfg.Voice,
		ResponseFormat: "mp3",
		Speed:          speed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.TTSRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		metrics.TTSRequestsTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, "non-200 response")
		return nil, fmt.Errorf("tts error (status %d): %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.TTSRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read response: %w", err)
	}

	metrics.TTSRequestsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))
	span.SetStatus(codes.Ok, "synthesis successful")
	return audio, nil
}

// Synthesizer is what the pipeline needs from a speech backend.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Audio is one synthesized sentence.
type Audio struct {
	Sentence string
	Data     []byte
	Duration time.Duration
}

const queueDepth = 64

// Pipeline synthesizes sentences in submission order on a single worker.
// Synthesis failures are logged and skipped; the dialogue keeps flowing as
// text either way.
type Pipeline struct {
	synth   Synthesizer
	onAudio func(Audio)
	queue   chan string
	done    chan struct{}
}

func NewPipeline(ctx context.Context, synth Synthesizer, onAudio func(Audio)) *Pipeline {
	p := &Pipeline{
		synth:   synth,
		onAudio: onAudio,
		queue:   make(chan string, queueDepth),
		done:    make(chan struct{}),
	}
	go p.drain(ctx)
	return p
}

// Push queues one sentence. It blocks when the synthesizer falls behind by
// a full queue, throttling the producer instead of dropping speech.
func (p *Pipeline) Push(ctx context.Context, sentence string) error {
	select {
	case p.queue <- sentence:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits for queued sentences to finish.
func (p *Pipeline) Close() {
	close(p.queue)
	<-p.done
}

func (p *Pipeline) drain(ctx context.Context) {
	defer close(p.done)
	for sentence := range p.queue {
		if ctx.Err() != nil {
			continue
		}
		start := time.Now()
		audio, err := p.synth.Synthesize(ctx, sentence)
		if err != nil {
			slog.Error("sentence synthesis failed", "error", err)
			continue
		}
		if len(audio) == 0 {
			continue
		}
		p.onAudio(Audio{Sentence: sentence, Data: audio, Duration: time.Since(start)})
	}
}
