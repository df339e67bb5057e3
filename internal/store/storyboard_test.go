package store

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/memoirhq/narrator/internal/domain"
)

func TestMarkProcessed_OnlyUpToObservedMax(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)

	mock.ExpectExec("UPDATE storyboard").
		WithArgs(testUserID, int64(17)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	ctx := setupMockContext(mock)
	n, err := s.MarkProcessed(ctx, testUserID, CursorStn, 17)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows flipped, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLatestStoryboards_ReturnsChronologicalOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)
	now := time.Now()

	// The query reads newest first; the method re-reverses.
	rows := pgxmock.NewRows([]string{
		"story_id", "user_id", "story_type", "entity_id", "story_content",
		"stn_processed_status", "dir_processed_status", "created_time",
	}).
		AddRow(int64(3), testUserID, domain.StoryTypeShot, int64(9), "[O:9] fishing trip | first catch", int16(1), int16(0), now).
		AddRow(int64(2), testUserID, domain.StoryTypeTopic, int64(4), "[T:4] summers at the lake | ", int16(1), int16(1), now).
		AddRow(int64(1), testUserID, domain.StoryTypeStage, int64(1), "[S:1] childhood | early years", int16(0), int16(0), now)

	mock.ExpectQuery("FROM storyboard").
		WithArgs(testUserID, 50).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	entries, err := s.LatestStoryboards(ctx, testUserID, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != 1 || entries[2].ID != 3 {
		t.Errorf("expected ascending ids, got %d..%d", entries[0].ID, entries[2].ID)
	}
	if entries[0].Type != domain.StoryTypeStage {
		t.Errorf("expected stage entry first, got type %d", entries[0].Type)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCreateStoryboardEntry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)
	now := time.Now()

	e := &domain.StoryboardEntry{
		UserID:   testUserID,
		Type:     domain.StoryTypeCharacter,
		EntityID: 12,
		Content:  "[C:12] grandmother | taught me to fish",
	}

	mock.ExpectQuery("INSERT INTO storyboard").
		WithArgs(e.UserID, e.Type, e.EntityID, e.Content).
		WillReturnRows(pgxmock.NewRows([]string{"story_id", "created_time"}).AddRow(int64(21), now))

	ctx := setupMockContext(mock)
	if err := s.CreateStoryboardEntry(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID != 21 {
		t.Errorf("expected id 21, got %d", e.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
