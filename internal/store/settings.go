package store

import (
	"context"
	"fmt"

	"github.com/memoirhq/narrator/internal/domain"
)

// ConfigEntry is one sys_config row. Type tells the settings cache how to
// coerce the string value ("int", "float", "string").
type ConfigEntry struct {
	Key   string
	Value string
	Type  string
}

// ListSysConfig returns every runtime tunable.
func (s *Store) ListSysConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT config_key, config_value, config_type FROM sys_config`)
	if err != nil {
		return nil, fmt.Errorf("list sys config: %w", err)
	}
	defer rows.Close()

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Type); err != nil {
			return nil, fmt.Errorf("scan sys config: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListModels returns the model catalog.
func (s *Store) ListModels(ctx context.Context) ([]*domain.Model, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT model_id, model_name, api_model_id, input_price, output_price, cache_discount FROM base_models`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*domain.Model
	for rows.Next() {
		m := &domain.Model{}
		if err := rows.Scan(&m.ID, &m.Name, &m.APIModelID, &m.InputPrice, &m.OutputPrice, &m.CacheDiscount); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PromptEntry is one active agent prompt. Role follows the llm_type column
// (0 interviewer, 1 stenographer, 2 director).
type PromptEntry struct {
	Role    domain.Role
	Content string
}

// ListActivePrompts returns the active prompt per agent. When several are
// active for a role the newest wins; the settings cache keeps the last one
// scanned, so order ascending.
func (s *Store) ListActivePrompts(ctx context.Context) ([]PromptEntry, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT llm_type, prompt_content FROM prompt_config WHERE is_active = TRUE ORDER BY prompt_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active prompts: %w", err)
	}
	defer rows.Close()

	var out []PromptEntry
	for rows.Next() {
		var e PromptEntry
		if err := rows.Scan(&e.Role, &e.Content); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
