package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/memoirhq/narrator/internal/domain"
)

const testUserID = "0b9c1f4e-6a5d-4e3f-8a21-9c7d2b1e0f34"

func narrationRow(userID string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"narration_id", "user_id",
		"intv_llm_session_id", "intv_llm_session_word_count", "intv_llm_session_expire_at", "intv_llm_session_previous_response_id",
		"stn_llm_session_id", "stn_llm_session_word_count", "stn_llm_session_expire_at", "stn_llm_session_previous_response_id",
		"dir_llm_session_id", "dir_llm_session_word_count", "dir_llm_session_expire_at", "dir_llm_session_previous_response_id",
		"intv_llm_previous_content", "intv_llm_hint_id", "stn_unprocessed_content", "chat_cachepool_content",
	}).AddRow(
		int64(1), userID,
		nil, 0, nil, nil,
		nil, 0, nil, nil,
		nil, 0, nil, nil,
		nil, nil, nil, nil,
	)
}

func TestGetOrCreateNarrationState_CreatesPlaceholderUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)

	mock.ExpectQuery("FROM narration_status").
		WithArgs(testUserID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(testUserID, "user_"+testUserID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO narration_status").
		WithArgs(testUserID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM narration_status").
		WithArgs(testUserID).
		WillReturnRows(narrationRow(testUserID))

	ctx := setupMockContext(mock)
	n, err := s.GetOrCreateNarrationState(ctx, testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.UserID != testUserID {
		t.Errorf("expected user id %s, got %s", testUserID, n.UserID)
	}
	if n.Intv.SessionID != nil {
		t.Errorf("expected fresh state, got session id %v", *n.Intv.SessionID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestResetSession_ClearsTupleAndSetsDeadline(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)
	deadline := time.Now().Add(time.Hour)

	mock.ExpectExec("UPDATE narration_status").
		WithArgs(testUserID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	if err := s.ResetSession(ctx, testUserID, domain.RoleStenographer, deadline); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAdvanceSession_UnknownUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)

	mock.ExpectExec("UPDATE narration_status").
		WithArgs(testUserID, "resp_abc", 42, "resp_abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := setupMockContext(mock)
	err = s.AdvanceSession(ctx, testUserID, domain.RoleInterviewer, "resp_abc", "resp_abc", 42)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAppendCachePool_ReturnsNewLength(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)

	mock.ExpectQuery("UPDATE narration_status").
		WithArgs(testUserID, "U:hello ").
		WillReturnRows(pgxmock.NewRows([]string{"char_length"}).AddRow(208))

	ctx := setupMockContext(mock)
	length, err := s.AppendCachePool(ctx, testUserID, "U:hello ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if length != 208 {
		t.Errorf("expected length 208, got %d", length)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotCachePool_ReadsAndClearsUnderLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)
	pool := "U:one I:two "

	mock.ExpectQuery("FOR UPDATE").
		WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"chat_cachepool_content", "stn_unprocessed_content"}).
			AddRow(&pool, nil))
	mock.ExpectExec("UPDATE narration_status").
		WithArgs(testUserID, pool).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	got, err := s.SnapshotCachePool(ctx, testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != pool {
		t.Errorf("expected snapshot %q, got %q", pool, got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotCachePool_PrependsStowedOverflow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)
	pool := "U:three "
	overflow := "U:one I:two"
	combined := overflow + " " + "U:three"

	mock.ExpectQuery("FOR UPDATE").
		WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"chat_cachepool_content", "stn_unprocessed_content"}).
			AddRow(&pool, &overflow))
	mock.ExpectExec("UPDATE narration_status").
		WithArgs(testUserID, combined).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	got, err := s.SnapshotCachePool(ctx, testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != combined {
		t.Errorf("expected snapshot %q, got %q", combined, got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSnapshotCachePool_EmptyPoolDoesNotClear(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := New(nil)

	mock.ExpectQuery("FOR UPDATE").
		WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"chat_cachepool_content", "stn_unprocessed_content"}).
			AddRow(nil, nil))

	ctx := setupMockContext(mock)
	got, err := s.SnapshotCachePool(ctx, testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty snapshot, got %q", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
