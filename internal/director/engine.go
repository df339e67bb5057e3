// Package director watches the storyboard journal and distills interview
// guidance from it: one short hint per run, consumed at most once by the
// interviewer on its next turn.
package director

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
}

func New(st *store.Store, nm *narration.Manager, set *settings.Cache, caller llm.Caller) *Engine {
	return &Engine{store: st, narration: nm, settings: set, llm: caller}
}

// Run executes one guidance pass for a user. It reads the journal through
// the director's own cursor, so it sees every entry exactly once no matter
// how extraction runs interleave.
func (e *Engine) Run(ctx context.Context, userID string) error {
	sess, err := e.narration.EnsureSession(ctx, userID, domain.RoleDirector)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	var entries []*domain.StoryboardEntry
	if sess.New {
		entries, err = e.store.LatestStoryboards(ctx, userID, e.settings.Values(ctx).MaxSBContext)
	} else {
		entries, err = e.store.UnprocessedStoryboards(ctx, userID, store.CursorDir)
	}
	if err != nil {
		return fmt.Errorf("load storyboard context: %w", err)
	}
	if len(entries) == 0 {
		slog.Debug("director skipped, nothing new on the storyboard", "user_id", userID)
		return nil
	}
	sbContext := renderStoryboards(entries)
	caching := e.settings.Values(ctx).EnableCaching

	// Without caching no provider session carries the prompt forward, so
	// every call leads with it.
	input := []llm.Message{{Role: "user", Content: sbContext}}
	if sess.New || !caching {
		prompt, err := e.settings.Prompt(ctx, domain.RoleDirector)
		if err != nil {
			return err
		}
		input = []llm.Message{{Role: "system", Content: prompt}, {Role: "user", Content: sbContext}}
	}
	prevID := sess.PreviousResponseID
	if !caching {
		prevID = nil
	}

	result, err := e.llm.Call(ctx, llm.CallOptions{
		Role:               domain.RoleDirector,
		UserID:             userID,
		Input:              input,
		Store:              true,
		Caching:            caching,
		ExpireAt:           &sess.ExpireAt,
		PreviousResponseID: prevID,
	})
	if err != nil {
		return fmt.Errorf("guidance call: %w", err)
	}

	// The model answers with nothing when the new material warrants no
	// steering. Journal rows stay unconsumed for the next run.
	hintText := strings.TrimSpace(result.Text)
	if hintText == "" {
		slog.Debug("director produced no hint", "user_id", userID)
		return nil
	}

	hint := &domain.Hint{UserID: userID, Content: hintText}
	if err := e.store.CreateHint(ctx, hint); err != nil {
		return fmt.Errorf("store hint: %w", err)
	}
	metrics.HintsTotal.Inc()

	if err := e.narration.Advance(ctx, userID, domain.RoleDirector, result.ResponseID, narration.WordCount(hintText)); err != nil {
		slog.Warn("advance dir session failed", "user_id", userID, "error", err)
	}

	maxRead := entries[0].ID
	for _, en := range entries {
		if en.ID > maxRead {
			maxRead = en.ID
		}
	}
	if _, err := e.store.MarkProcessed(ctx, userID, store.CursorDir, maxRead); err != nil {
		slog.Warn("mark storyboards failed", "user_id", userID, "error", err)
	}

	slog.Info("hint written", "user_id", userID, "hint_id", hint.ID, "storyboards", len(entries))
	return nil
}

func renderStoryboards(entries []*domain.StoryboardEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Content)
	}
	return strings.Join(lines, "\n")
}
