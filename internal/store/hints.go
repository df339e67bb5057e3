package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memoirhq/narrator/internal/domain"
)

// CreateHint appends a director advisory and returns its id.
func (s *Store) CreateHint(ctx context.Context, h *domain.Hint) error {
	query := `
		INSERT INTO hintboard (user_id, hint_content)
		VALUES ($1, $2)
		RETURNING hint_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query, h.UserID, h.Content).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return fmt.Errorf("create hint: %w", err)
	}
	return nil
}

// LatestHint returns the most recent hint for a user, or domain.ErrNotFound
// when the hintboard is empty.
func (s *Store) LatestHint(ctx context.Context, userID string) (*domain.Hint, error) {
	query := `
		SELECT hint_id, user_id, hint_content, created_time
		FROM hintboard
		WHERE user_id = $1
		ORDER BY hint_id DESC
		LIMIT 1`
	h := &domain.Hint{}
	err := s.conn(ctx).QueryRow(ctx, query, userID).Scan(&h.ID, &h.UserID, &h.Content, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("latest hint: %w", err)
	}
	return h, nil
}
