package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memoirhq/narrator/internal/domain"
)

// Cursor selects which of the storyboard's two independent processed flags
// an operation reads or advances.
type Cursor int

const (
	CursorStn Cursor = iota
	CursorDir
)

// Column name interpolated into SQL; values are enumerated above.
func (c Cursor) column() string {
	if c == CursorDir {
		return "dir_processed_status"
	}
	return "stn_processed_status"
}

const storyboardColumns = `story_id, user_id, story_type, entity_id, story_content,
	stn_processed_status, dir_processed_status, created_time`

// CreateStoryboardEntry appends one journal row. New rows start unprocessed
// on both cursors.
func (s *Store) CreateStoryboardEntry(ctx context.Context, e *domain.StoryboardEntry) error {
	query := `
		INSERT INTO storyboard (user_id, story_type, entity_id, story_content)
		VALUES ($1, $2, $3, $4)
		RETURNING story_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query, e.UserID, e.Type, e.EntityID, e.Content).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create storyboard entry: %w", err)
	}
	return nil
}

// UnprocessedStoryboards returns all rows the given cursor has not consumed
// yet, oldest first.
func (s *Store) UnprocessedStoryboards(ctx context.Context, userID string, cursor Cursor) ([]*domain.StoryboardEntry, error) {
	query := fmt.Sprintf(`
		SELECT `+storyboardColumns+`
		FROM storyboard
		WHERE user_id = $1 AND %s = 0
		ORDER BY story_id ASC`, cursor.column())
	rows, err := s.conn(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("unprocessed storyboards: %w", err)
	}
	defer rows.Close()

	return scanStoryboards(rows)
}

// LatestStoryboards returns the newest limit rows regardless of processed
// state, in chronological order.
func (s *Store) LatestStoryboards(ctx context.Context, userID string, limit int) ([]*domain.StoryboardEntry, error) {
	query := `
		SELECT ` + storyboardColumns + `
		FROM storyboard
		WHERE user_id = $1
		ORDER BY story_id DESC
		LIMIT $2`
	rows, err := s.conn(ctx).Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest storyboards: %w", err)
	}
	defer rows.Close()

	entries, err := scanStoryboards(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// MarkProcessed advances a cursor over every unprocessed row with id at or
// below maxID. Rows inserted after maxID was observed stay unprocessed, so
// a consumer never consumes output it did not read. Returns the number of
// rows flipped.
func (s *Store) MarkProcessed(ctx context.Context, userID string, cursor Cursor, maxID int64) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE storyboard
		SET %[1]s = 1
		WHERE user_id = $1 AND story_id <= $2 AND %[1]s = 0`, cursor.column())
	tag, err := s.conn(ctx).Exec(ctx, query, userID, maxID)
	if err != nil {
		return 0, fmt.Errorf("mark storyboards processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanStoryboards(rows pgx.Rows) ([]*domain.StoryboardEntry, error) {
	var out []*domain.StoryboardEntry
	for rows.Next() {
		e := &domain.StoryboardEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.EntityID, &e.Content,
			&e.StnProcessed, &e.DirProcessed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan storyboard entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
