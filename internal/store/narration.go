package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memoirhq/narrator/internal/domain"
)

const narrationColumns = `narration_id, user_id,
	intv_llm_session_id, intv_llm_session_word_count, intv_llm_session_expire_at, intv_llm_session_previous_response_id,
	stn_llm_session_id, stn_llm_session_word_count, stn_llm_session_expire_at, stn_llm_session_previous_response_id,
	dir_llm_session_id, dir_llm_session_word_count, dir_llm_session_expire_at, dir_llm_session_previous_response_id,
	intv_llm_previous_content, intv_llm_hint_id, stn_unprocessed_content, chat_cachepool_content`

func scanNarration(row pgx.Row) (*domain.NarrationState, error) {
	n := &domain.NarrationState{}
	err := row.Scan(
		&n.ID, &n.UserID,
		&n.Intv.SessionID, &n.Intv.WordCount, &n.Intv.ExpireAt, &n.Intv.PreviousResponseID,
		&n.Stn.SessionID, &n.Stn.WordCount, &n.Stn.ExpireAt, &n.Stn.PreviousResponseID,
		&n.Dir.SessionID, &n.Dir.WordCount, &n.Dir.ExpireAt, &n.Dir.PreviousResponseID,
		&n.PreviousContent, &n.LastHintID, &n.UnprocessedOverflow, &n.CachePool)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetNarrationState returns the narration row for a user, or
// domain.ErrNotFound when none exists yet.
func (s *Store) GetNarrationState(ctx context.Context, userID string) (*domain.NarrationState, error) {
	query := `SELECT ` + narrationColumns + ` FROM narration_status WHERE user_id = $1`
	n, err := scanNarration(s.conn(ctx).QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get narration state: %w", err)
	}
	return n, nil
}

// GetOrCreateNarrationState returns the user's narration row, creating it
// (and a placeholder users row) on first contact.
func (s *Store) GetOrCreateNarrationState(ctx context.Context, userID string) (*domain.NarrationState, error) {
	n, err := s.GetNarrationState(ctx, userID)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	_, err = s.conn(ctx).Exec(ctx,
		`INSERT INTO users (user_id, user_name) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, "user_"+userID)
	if err != nil {
		return nil, fmt.Errorf("create placeholder user: %w", err)
	}

	_, err = s.conn(ctx).Exec(ctx,
		`INSERT INTO narration_status (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("create narration state: %w", err)
	}

	return s.GetNarrationState(ctx, userID)
}

// sessionPrefix maps a role to its narration_status column prefix. The
// prefix is interpolated into SQL, so it must never come from input.
func sessionPrefix(role domain.Role) string {
	switch role {
	case domain.RoleInterviewer, domain.RoleStenographer, domain.RoleDirector:
		return role.String()
	}
	return "intv"
}

// ResetSession clears the role's provider session: session id and previous
// response id go to NULL, the word count to zero, and expire_at to the
// given deadline.
func (s *Store) ResetSession(ctx context.Context, userID string, role domain.Role, expireAt time.Time) error {
	p := sessionPrefix(role)
	query := fmt.Sprintf(`UPDATE narration_status
		SET %[1]s_llm_session_id = NULL,
			%[1]s_llm_session_word_count = 0,
			%[1]s_llm_session_expire_at = $2,
			%[1]s_llm_session_previous_response_id = NULL
		WHERE user_id = $1`, p)
	tag, err := s.conn(ctx).Exec(ctx, query, userID, expireAt)
	if err != nil {
		return fmt.Errorf("reset %s session: %w", p, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdvanceSession records a completed provider call against the role's
// session: the word count grows by wordDelta and the session / previous
// response ids are replaced. expire_at is untouched; it was fixed at reset.
func (s *Store) AdvanceSession(ctx context.Context, userID string, role domain.Role, sessionID, responseID string, wordDelta int) error {
	p := sessionPrefix(role)
	query := fmt.Sprintf(`UPDATE narration_status
		SET %[1]s_llm_session_id = $2,
			%[1]s_llm_session_word_count = %[1]s_llm_session_word_count + $3,
			%[1]s_llm_session_previous_response_id = $4
		WHERE user_id = $1`, p)
	tag, err := s.conn(ctx).Exec(ctx, query, userID, sessionID, wordDelta, responseID)
	if err != nil {
		return fmt.Errorf("advance %s session: %w", p, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetPreviousContent replaces the interviewer's rolling dialogue history.
func (s *Store) SetPreviousContent(ctx context.Context, userID, content string) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE narration_status SET intv_llm_previous_content = $2 WHERE user_id = $1`,
		userID, content)
	if err != nil {
		return fmt.Errorf("set previous content: %w", err)
	}
	return nil
}

// SetLastHintID marks a hint as consumed by the interviewer.
func (s *Store) SetLastHintID(ctx context.Context, userID string, hintID int64) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE narration_status SET intv_llm_hint_id = $2 WHERE user_id = $1`,
		userID, hintID)
	if err != nil {
		return fmt.Errorf("set last hint id: %w", err)
	}
	return nil
}

// SetUnprocessedOverflow stows (or, with nil, clears) extraction input that
// a failed stenographer run must not lose.
func (s *Store) SetUnprocessedOverflow(ctx context.Context, userID string, content *string) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE narration_status SET stn_unprocessed_content = $2 WHERE user_id = $1`,
		userID, content)
	if err != nil {
		return fmt.Errorf("set unprocessed overflow: %w", err)
	}
	return nil
}

// AppendCachePool appends one formatted utterance to the user's cache pool
// and returns the pool's new length. The append is a single UPDATE, so
// concurrent writers never lose each other's text.
func (s *Store) AppendCachePool(ctx context.Context, userID, chunk string) (int, error) {
	query := `UPDATE narration_status
		SET chat_cachepool_content = COALESCE(chat_cachepool_content, '') || $2
		WHERE user_id = $1
		RETURNING char_length(chat_cachepool_content)`
	var length int
	if err := s.conn(ctx).QueryRow(ctx, query, userID, chunk).Scan(&length); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("append cache pool: %w", err)
	}
	return length, nil
}

// SnapshotCachePool atomically drains the cache pool into the stenographer
// overflow column under a row lock and returns the combined extraction
// input (stowed overflow from a failed run, then the pool). Because the
// move commits as one transaction, a crash between the snapshot and the
// extraction loses nothing: the text sits in stn_unprocessed_content until
// SetUnprocessedOverflow(nil) releases it. An empty pool returns "" and
// leaves the row untouched. Text appended after the lock is taken lands in
// the next snapshot.
func (s *Store) SnapshotCachePool(ctx context.Context, userID string) (string, error) {
	var combined string
	err := s.WithTx(ctx, func(ctx context.Context) error {
		var pool, overflow *string
		err := s.conn(ctx).QueryRow(ctx,
			`SELECT chat_cachepool_content, stn_unprocessed_content FROM narration_status WHERE user_id = $1 FOR UPDATE`,
			userID).Scan(&pool, &overflow)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock cache pool: %w", err)
		}
		if pool == nil || *pool == "" {
			return nil
		}
		combined = *pool
		if overflow != nil && *overflow != "" {
			combined = strings.TrimSpace(*overflow + " " + *pool)
		}
		_, err = s.conn(ctx).Exec(ctx,
			`UPDATE narration_status SET chat_cachepool_content = NULL, stn_unprocessed_content = $2 WHERE user_id = $1`,
			userID, combined)
		if err != nil {
			return fmt.Errorf("drain cache pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return combined, nil
}
