// Package interviewer runs the conversational agent: it takes one user
// utterance, streams the reply sentence by sentence, and leaves the
// narration state ready for the next turn.
package interviewer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memoirhq/narrator/internal/domain"
	"github.com/memoirhq/narrator/internal/llm"
	"github.com/memoirhq/narrator/internal/metrics"
	"github.com/memoirhq/narrator/internal/narration"
	"github.com/memoirhq/narrator/internal/settings"
	"github.com/memoirhq/narrator/internal/store"
)

type Engine struct {
	store     *store.Store
	narration *narration.Manager
	settings  *settings.Cache
	llm       llm.Caller

	// OnThreshold fires when the cache pool crosses the extraction
	// threshold; the server wires it to enqueue a stenographer run.
	OnThreshold func(userID string)
}

func New(st *store.Store, nm *narration.Manager, set *settings.Cache, caller llm.Caller) *Engine {
	return &Engine{store: st, narration: nm, settings: set, llm: caller}
}

// TurnRequest is one user utterance entering the dialogue.
type TurnRequest struct {
	UserID string
	Text   string

	// HasVoice marks text that arrived through speech recognition.
	HasVoice bool

	// OnUserStored, when set, receives the persisted utterance id before
	// the model is called. The dialogue channel acks the client with it.
	OnUserStored func(id int64)
}

// TurnResult is the completed turn.
type TurnResult struct {
	UserUtteranceID  int64
	ReplyUtteranceID int64
	Reply            string
}

// Turn runs one dialogue turn, streaming reply deltas through onDelta as
// they arrive. The user's text is persisted before the model is called, so
// a failed call never loses input.
func (e *Engine) Turn(ctx context.Context, req TurnRequest, onDelta func(string) error) (*TurnResult, error) {
	userUtt := &domain.Utterance{
		UserID:   req.UserID,
		Speaker:  domain.SpeakerUser,
		HasVoice: req.HasVoice,
		Text:     req.Text,
	}
	if err := e.store.CreateUtterance(ctx, userUtt); err != nil {
		return nil, fmt.Errorf("persist user utterance: %w", err)
	}
	if req.OnUserStored != nil {
		req.OnUserStored(userUtt.ID)
	}
	if req.HasVoice {
		e.recordASR(ctx, req.UserID, userUtt.ID, req.Text)
	}

	if err := e.appendPool(ctx, req.UserID, domain.SpeakerUser, req.Text); err != nil {
		slog.Warn("cache pool append failed", "user_id", req.UserID, "error", err)
	}

	state, err := e.narration.State(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load narration state: %w", err)
	}
	sess, err := e.narration.EnsureSession(ctx, req.UserID, domain.RoleInterviewer)
	if err != nil {
		return nil, err
	}
	caching := e.settings.Values(ctx).EnableCaching

	prevContent := ""
	if sess.New {
		// A fresh session gets its opening context rebuilt from the
		// dialogue record, not from the stale column.
		prevContent, err = e.narration.BuildPreviousContent(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("build previous content: %w", err)
		}
	} else if state.PreviousContent != nil {
		prevContent = *state.PreviousContent
	}

	// The hint id is only captured here; it is consumed after the turn
	// completes, so a failed stream leaves the hint pending for the next
	// turn.
	hintContent := ""
	var hintID *int64
	hint, err := e.narration.PendingHint(ctx, req.UserID, state.LastHintID)
	if err != nil {
		slog.Warn("hint lookup failed", "user_id", req.UserID, "error", err)
	} else if hint != nil {
		hintContent = hint.Content
		hintID = &hint.ID
	}

	// With caching off there is no provider-side context to lean on; every
	// turn resends the prompt and history.
	fullContext := sess.New || !caching
	input, err := e.buildInput(ctx, fullContext, prevContent, req.Text, hintContent)
	if err != nil {
		return nil, err
	}
	prevID := sess.PreviousResponseID
	if !caching {
		prevID = nil
	}

	result, err := e.llm.Stream(ctx, llm.CallOptions{
		Role:               domain.RoleInterviewer,
		UserID:             req.UserID,
		Input:              input,
		Store:              true,
		Caching:            caching,
		ExpireAt:           &sess.ExpireAt,
		PreviousResponseID: prevID,
		UtteranceID:        &userUtt.ID,
	}, onDelta)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("interviewer call: %w", err)
	}
	reply := result.Text

	replyUtt := &domain.Utterance{
		UserID:   req.UserID,
		Speaker:  domain.SpeakerAssistant,
		HasVoice: true,
		Text:     reply,
	}
	if reply != "" {
		// An empty reply leaves no assistant utterance behind; the user's
		// half is already persisted and pooled.
		if err := e.store.CreateUtterance(ctx, replyUtt); err != nil {
			slog.Error("persist reply failed", "user_id", req.UserID, "error", err)
		}
		if err := e.appendPool(ctx, req.UserID, domain.SpeakerAssistant, reply); err != nil {
			slog.Warn("cache pool append failed", "user_id", req.UserID, "error", err)
		}
	}

	delta := narration.WordCount(req.Text) + narration.WordCount(reply)
	if err := e.narration.Advance(ctx, req.UserID, domain.RoleInterviewer, result.ResponseID, delta); err != nil {
		slog.Warn("advance intv session failed", "user_id", req.UserID, "error", err)
	}
	if reply != "" {
		if _, err := e.narration.AppendRound(ctx, req.UserID, prevContent, req.Text, reply); err != nil {
			slog.Warn("history update failed", "user_id", req.UserID, "error", err)
		}
	}
	if hintID != nil {
		if err := e.narration.ConsumeHint(ctx, req.UserID, *hintID); err != nil {
			slog.Warn("hint consume failed", "user_id", req.UserID, "hint_id", *hintID, "error", err)
		}
	}

	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	return &TurnResult{
		UserUtteranceID:  userUtt.ID,
		ReplyUtteranceID: replyUtt.ID,
		Reply:            reply,
	}, nil
}

// appendPool adds one utterance to the cache pool and fires the extraction
// trigger when the pool crosses the threshold.
func (e *Engine) appendPool(ctx context.Context, userID string, speaker domain.Speaker, text string) error {
	reached, err := e.narration.AppendUtterance(ctx, userID, speaker, text)
	if err != nil {
		return err
	}
	if reached && e.OnThreshold != nil {
		e.OnThreshold(userID)
	}
	return nil
}

// buildInput assembles the interviewer messages. With fullContext the call
// carries the prompt and the rolling history; otherwise it sends only the
// current turn and the provider session holds the rest.
func (e *Engine) buildInput(ctx context.Context, fullContext bool, prevContent, userText, hintContent string) ([]llm.Message, error) {
	parts := []string{"ot:" + userText}
	if hintContent != "" {
		parts = append(parts, "hc:"+hintContent)
	}
	userMsg := llm.Message{Role: "user", Content: strings.Join(parts, ";")}

	if !fullContext {
		return []llm.Message{userMsg}, nil
	}

	prompt, err := e.settings.Prompt(ctx, domain.RoleInterviewer)
	if err != nil {
		return nil, err
	}
	input := []llm.Message{{Role: "system", Content: prompt}}
	if prevContent != "" {
		input = append(input, llm.Message{Role: "assistant", Content: "pc:" + prevContent})
	}
	return append(input, userMsg), nil
}

// recordASR writes best-effort recognition telemetry. Duration and cost
// are estimated from text length; the recognizer runs upstream and does
// not report them.
func (e *Engine) recordASR(ctx context.Context, userID string, utteranceID int64, text string) {
	audioSeconds := float64(narration.WordCount(text)) / 3
	call := &domain.ASRCall{
		UserID:      userID,
		UtteranceID: utteranceID,
		ModelID:     e.settings.Values(ctx).ASRModelID,
		DurationMS:  int(audioSeconds * 100),
		Cost:        audioSeconds * 0.001,
	}
	if err := e.store.RecordASRCall(ctx, call); err != nil {
		slog.Warn("asr telemetry write failed", "user_id", userID, "error", err)
	}
}
