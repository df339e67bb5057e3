// Package narration owns the per-user narration state: provider session
// lifecycle for the three agents, the dialogue cache pool, rolling history
// and the hint pointer.
package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/memoirhq/narrator/internal/domain"
	"github.com/memoirhq/narrator/internal/metrics"
	"github.com/memoirhq/narrator/internal/settings"
	"github.com/memoirhq/narrator/internal/store"
)

// How far back the rolling history looks. The most recent utterance is
// skipped: it is the turn being answered, carried separately as ot:.
const (
	historyRows   = 9
	historyOffset = 1
)

type Manager struct {
	store    *store.Store
	settings *settings.Cache
	now      func() time.Time
}

func NewManager(st *store.Store, set *settings.Cache) *Manager {
	return &Manager{store: st, settings: set, now: time.Now}
}

// Session describes the provider session an agent call must use.
type Session struct {
	// New is true when the stored session was invalid and has been reset;
	// the caller must send full context instead of continuing.
	New                bool
	ExpireAt           time.Time
	PreviousResponseID *string
}

// Valid reports whether a stored session tuple can still be continued. A
// word count exactly at the limit is still valid; remaining lifetime
// exactly at the buffer is not.
func Valid(s *domain.SessionState, wordLimit int, buffer time.Duration, now time.Time) bool {
	if s.SessionID == nil {
		return false
	}
	if s.WordCount > wordLimit {
		return false
	}
	if s.ExpireAt == nil {
		return false
	}
	if s.ExpireAt.Sub(now) <= buffer {
		return false
	}
	return true
}

// EnsureSession returns the session to use for the role's next call,
// resetting the stored tuple first when it is no longer valid.
func (m *Manager) EnsureSession(ctx context.Context, userID string, role domain.Role) (*Session, error) {
	state, err := m.store.GetOrCreateNarrationState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure %s session: %w", role, err)
	}

	v := m.settings.Values(ctx)
	sess := state.Session(role)
	now := m.now()

	if Valid(sess, v.WordLimit(role), v.ExpireBuffer(role), now) {
		return &Session{
			New:                false,
			ExpireAt:           *sess.ExpireAt,
			PreviousResponseID: sess.PreviousResponseID,
		}, nil
	}

	deadline := now.Add(v.SessionLifetime(role))
	if err := m.store.ResetSession(ctx, userID, role, deadline); err != nil {
		return nil, fmt.Errorf("reset %s session: %w", role, err)
	}
	metrics.SessionResetsTotal.WithLabelValues(role.String()).Inc()

	return &Session{New: true, ExpireAt: deadline}, nil
}

// Advance records a completed provider call: the response id becomes both
// the session id and the continuation handle, and the word budget grows by
// wordDelta.
func (m *Manager) Advance(ctx context.Context, userID string, role domain.Role, responseID string, wordDelta int) error {
	return m.store.AdvanceSession(ctx, userID, role, responseID, responseID, wordDelta)
}

// AppendUtterance adds one formatted utterance to the cache pool and
// reports whether the pool has reached the extraction threshold.
func (m *Manager) AppendUtterance(ctx context.Context, userID string, speaker domain.Speaker, text string) (bool, error) {
	chunk := speaker.Prefix() + ":" + text + " "
	length, err := m.store.AppendCachePool(ctx, userID, chunk)
	if err != nil {
		return false, err
	}
	return length >= m.settings.Values(ctx).CachePoolLimit, nil
}

// SnapshotPool atomically drains the cache pool into the overflow column
// and returns the combined extraction input. The text is crash-safe from
// the moment the snapshot commits: it stays stowed until ClearOverflow,
// so a failed run simply leaves it for the next one.
func (m *Manager) SnapshotPool(ctx context.Context, userID string) (string, error) {
	return m.store.SnapshotCachePool(ctx, userID)
}

// ClearOverflow releases stowed extraction input once a run has consumed it.
func (m *Manager) ClearOverflow(ctx context.Context, userID string) error {
	return m.store.SetUnprocessedOverflow(ctx, userID, nil)
}

// BuildPreviousContent renders the rolling dialogue history: the last few
// utterances before the current turn, oldest first, truncated from the
// front to the configured length.
func (m *Manager) BuildPreviousContent(ctx context.Context, userID string) (string, error) {
	utts, err := m.store.RecentUtterances(ctx, userID, historyRows, historyOffset)
	if err != nil {
		return "", err
	}
	// Newest first from the store; flip to chronological order.
	for i, j := 0, len(utts)-1; i < j; i, j = i+1, j-1 {
		utts[i], utts[j] = utts[j], utts[i]
	}

	parts := make([]string, 0, len(utts))
	for _, u := range utts {
		parts = append(parts, u.Speaker.Prefix()+":"+u.Text)
	}
	content := strings.Join(parts, " ")

	return truncateTail(content, m.settings.Values(ctx).MaxPreviousContent), nil
}

// truncateTail keeps the last max runes. History loses its oldest text
// first.
func truncateTail(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-max:])
}

// AppendRound folds one completed turn into the rolling history and
// persists it, truncating from the front so the newest rounds survive.
func (m *Manager) AppendRound(ctx context.Context, userID, prev, userText, reply string) (string, error) {
	round := "U:" + userText + " I:" + reply
	content := round
	if prev != "" {
		content = prev + " " + round
	}
	content = truncateTail(content, m.settings.Values(ctx).MaxPreviousContent)
	return content, m.store.SetPreviousContent(ctx, userID, content)
}

// PendingHint returns the newest hint the interviewer has not consumed
// yet, or nil when there is none.
func (m *Manager) PendingHint(ctx context.Context, userID string, lastHintID *int64) (*domain.Hint, error) {
	hint, err := m.store.LatestHint(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if lastHintID != nil && hint.ID <= *lastHintID {
		return nil, nil
	}
	return hint, nil
}

// ConsumeHint marks a hint as used so it is never injected twice.
func (m *Manager) ConsumeHint(ctx context.Context, userID string, hintID int64) error {
	return m.store.SetLastHintID(ctx, userID, hintID)
}

// State exposes the raw narration row for callers that need fields beyond
// the session tuple (overflow, previous content, hint pointer).
func (m *Manager) State(ctx context.Context, userID string) (*domain.NarrationState, error) {
	return m.store.GetOrCreateNarrationState(ctx, userID)
}

// WordCount measures text the way the session budget does.
func WordCount(s string) int {
	return utf8.RuneCountInString(s)
}
