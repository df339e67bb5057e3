package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memoirhq/narrator/internal/domain"
)

// CreateUtterance inserts one side of a dialogue turn and fills in the
// generated id and timestamp.
func (s *Store) CreateUtterance(ctx context.Context, u *domain.Utterance) error {
	query := `
		INSERT INTO interview_original_text (user_id, speaker_type, has_voice, original_text)
		VALUES ($1, $2, $3, $4)
		RETURNING original_text_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query, u.UserID, u.Speaker, u.HasVoice, u.Text).
		Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create utterance: %w", err)
	}
	return nil
}

// RecentUtterances returns up to limit utterances newest first, skipping
// the offset most recent ones.
func (s *Store) RecentUtterances(ctx context.Context, userID string, limit, offset int) ([]*domain.Utterance, error) {
	query := `
		SELECT original_text_id, user_id, speaker_type, has_voice, original_text, created_time
		FROM interview_original_text
		WHERE user_id = $1
		ORDER BY created_time DESC, original_text_id DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.conn(ctx).Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("recent utterances: %w", err)
	}
	defer rows.Close()

	return scanUtterances(rows)
}

func scanUtterances(rows pgx.Rows) ([]*domain.Utterance, error) {
	var out []*domain.Utterance
	for rows.Next() {
		u := &domain.Utterance{}
		if err := rows.Scan(&u.ID, &u.UserID, &u.Speaker, &u.HasVoice, &u.Text, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateVoiceRecord links a stored audio object to an utterance.
func (s *Store) CreateVoiceRecord(ctx context.Context, v *domain.VoiceRecord) error {
	query := `
		INSERT INTO interview_original_voice (user_id, speaker_type, voice_url, link_original_text_id)
		VALUES ($1, $2, $3, $4)
		RETURNING voice_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query, v.UserID, v.Speaker, v.URL, v.UtteranceID).
		Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create voice record: %w", err)
	}
	return nil
}
