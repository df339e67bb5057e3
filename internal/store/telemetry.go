package store

import (
	"context"
	"fmt"

	"github.com/memoirhq/narrator/internal/domain"
)

// Telemetry rows are written after the fact and must never break the turn
// that produced them; callers log the returned error and move on.

func (s *Store) RecordLLMCall(ctx context.Context, c *domain.LLMCall) error {
	query := `
		INSERT INTO llm_processed (user_id, agent_type, model_id, model_name, duration_ms,
			total_tokens, prompt_tokens, completion_tokens, cached_tokens, cost,
			input_content, output_content, link_original_text_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.conn(ctx).Exec(ctx, query,
		c.UserID, c.Agent, c.ModelID, c.ModelName, c.DurationMS,
		c.TotalTokens, c.PromptTokens, c.CompletionTokens, c.CachedTokens, c.Cost,
		c.Input, c.Output, c.UtteranceID)
	if err != nil {
		return fmt.Errorf("record llm call: %w", err)
	}
	return nil
}

func (s *Store) RecordASRCall(ctx context.Context, c *domain.ASRCall) error {
	query := `
		INSERT INTO asr_processed (user_id, link_original_text_id, model_id, duration_ms, cost)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.conn(ctx).Exec(ctx, query, c.UserID, c.UtteranceID, c.ModelID, c.DurationMS, c.Cost)
	if err != nil {
		return fmt.Errorf("record asr call: %w", err)
	}
	return nil
}

func (s *Store) RecordTTSCall(ctx context.Context, c *domain.TTSCall) error {
	query := `
		INSERT INTO tts_processed (user_id, link_original_text_id, model_id, duration_ms, char_count, cost)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.conn(ctx).Exec(ctx, query, c.UserID, c.UtteranceID, c.ModelID, c.DurationMS, c.Chars, c.Cost)
	if err != nil {
		return fmt.Errorf("record tts call: %w", err)
	}
	return nil
}
