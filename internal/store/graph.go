package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memoirhq/narrator/internal/domain"
)

// The memoir graph: stage, topic, shot and character node tables. Updates
// are partial; nil patch fields keep the stored value (COALESCE), so two
// extractions touching different fields of the same node both land.

// StagePatch carries the updatable fields of a stage. Nil means unchanged.
type StagePatch struct {
	Title     *string
	Summary   *string
	Content   *string
	StartTime *string
	EndTime   *string
}

// TopicPatch carries the updatable fields of a topic.
type TopicPatch struct {
	ParentStageID *int64
	Title         *string
	Summary       *string
	Content       *string
}

// ShotPatch carries the updatable fields of a shot.
type ShotPatch struct {
	ParentTopicID *int64
	Title         *string
	Summary       *string
	Content       *string
	ShotType      *int16
}

// CharacterPatch carries the updatable fields of a character.
type CharacterPatch struct {
	RelatedShotID *int64
	Name          *string
	Relation      *string
	Evaluation    *string
}

func (s *Store) CreateStage(ctx context.Context, st *domain.Stage) error {
	query := `
		INSERT INTO stage (user_id, stage_title, stage_summary, stage_content, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING stage_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query,
		st.UserID, st.Title, st.Summary, st.Content, st.StartTime, st.EndTime).
		Scan(&st.ID, &st.CreatedAt)
	if err != nil {
		return fmt.Errorf("create stage: %w", err)
	}
	return nil
}

func (s *Store) UpdateStage(ctx context.Context, id int64, userID string, p StagePatch) error {
	query := `
		UPDATE stage
		SET stage_title = COALESCE($3, stage_title),
			stage_summary = COALESCE($4, stage_summary),
			stage_content = COALESCE($5, stage_content),
			start_time = COALESCE($6, start_time),
			end_time = COALESCE($7, end_time)
		WHERE stage_id = $1 AND user_id = $2`
	tag, err := s.conn(ctx).Exec(ctx, query, id, userID,
		p.Title, p.Summary, p.Content, p.StartTime, p.EndTime)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) FindStageByTitle(ctx context.Context, userID, title string) (*domain.Stage, error) {
	query := `
		SELECT stage_id, user_id, stage_title, stage_summary, stage_content, start_time, end_time, created_time
		FROM stage
		WHERE user_id = $1 AND stage_title = $2
		ORDER BY stage_id DESC
		LIMIT 1`
	st := &domain.Stage{}
	err := s.conn(ctx).QueryRow(ctx, query, userID, title).Scan(
		&st.ID, &st.UserID, &st.Title, &st.Summary, &st.Content, &st.StartTime, &st.EndTime, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find stage by title: %w", err)
	}
	return st, nil
}

func (s *Store) StageExists(ctx context.Context, id int64, userID string) (bool, error) {
	return s.nodeExists(ctx, `SELECT 1 FROM stage WHERE stage_id = $1 AND user_id = $2`, id, userID)
}

func (s *Store) CreateTopic(ctx context.Context, t *domain.Topic) error {
	query := `
		INSERT INTO topic (user_id, parent_stage_id, topic_title, topic_summary, topic_content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING topic_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query,
		t.UserID, t.ParentStageID, t.Title, t.Summary, t.Content).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (s *Store) UpdateTopic(ctx context.Context, id int64, userID string, p TopicPatch) error {
	query := `
		UPDATE topic
		SET parent_stage_id = COALESCE($3, parent_stage_id),
			topic_title = COALESCE($4, topic_title),
			topic_summary = COALESCE($5, topic_summary),
			topic_content = COALESCE($6, topic_content)
		WHERE topic_id = $1 AND user_id = $2`
	tag, err := s.conn(ctx).Exec(ctx, query, id, userID,
		p.ParentStageID, p.Title, p.Summary, p.Content)
	if err != nil {
		return fmt.Errorf("update topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetTopicParent assigns (or, with nil, severs) a topic's parent stage.
// Unlike UpdateTopic this writes the value directly, so unlink works.
func (s *Store) SetTopicParent(ctx context.Context, id int64, userID string, parentStageID *int64) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE topic SET parent_stage_id = $3 WHERE topic_id = $1 AND user_id = $2`,
		id, userID, parentStageID)
	if err != nil {
		return fmt.Errorf("set topic parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) FindTopicByTitle(ctx context.Context, userID, title string) (*domain.Topic, error) {
	query := `
		SELECT topic_id, user_id, parent_stage_id, topic_title, topic_summary, topic_content, created_time
		FROM topic
		WHERE user_id = $1 AND topic_title = $2
		ORDER BY topic_id DESC
		LIMIT 1`
	t := &domain.Topic{}
	err := s.conn(ctx).QueryRow(ctx, query, userID, title).Scan(
		&t.ID, &t.UserID, &t.ParentStageID, &t.Title, &t.Summary, &t.Content, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find topic by title: %w", err)
	}
	return t, nil
}

func (s *Store) TopicExists(ctx context.Context, id int64, userID string) (bool, error) {
	return s.nodeExists(ctx, `SELECT 1 FROM topic WHERE topic_id = $1 AND user_id = $2`, id, userID)
}

func (s *Store) CreateShot(ctx context.Context, sh *domain.Shot) error {
	query := `
		INSERT INTO shot (user_id, parent_topic_id, shot_title, shot_summary, shot_content, shot_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING shot_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query,
		sh.UserID, sh.ParentTopicID, sh.Title, sh.Summary, sh.Content, sh.ShotType).
		Scan(&sh.ID, &sh.CreatedAt)
	if err != nil {
		return fmt.Errorf("create shot: %w", err)
	}
	return nil
}

func (s *Store) UpdateShot(ctx context.Context, id int64, userID string, p ShotPatch) error {
	query := `
		UPDATE shot
		SET parent_topic_id = COALESCE($3, parent_topic_id),
			shot_title = COALESCE($4, shot_title),
			shot_summary = COALESCE($5, shot_summary),
			shot_content = COALESCE($6, shot_content),
			shot_type = COALESCE($7, shot_type)
		WHERE shot_id = $1 AND user_id = $2`
	tag, err := s.conn(ctx).Exec(ctx, query, id, userID,
		p.ParentTopicID, p.Title, p.Summary, p.Content, p.ShotType)
	if err != nil {
		return fmt.Errorf("update shot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) SetShotParent(ctx context.Context, id int64, userID string, parentTopicID *int64) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE shot SET parent_topic_id = $3 WHERE shot_id = $1 AND user_id = $2`,
		id, userID, parentTopicID)
	if err != nil {
		return fmt.Errorf("set shot parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) FindShotByTitle(ctx context.Context, userID, title string) (*domain.Shot, error) {
	query := `
		SELECT shot_id, user_id, parent_topic_id, shot_title, shot_summary, shot_content, shot_type, created_time
		FROM shot
		WHERE user_id = $1 AND shot_title = $2
		ORDER BY shot_id DESC
		LIMIT 1`
	sh := &domain.Shot{}
	err := s.conn(ctx).QueryRow(ctx, query, userID, title).Scan(
		&sh.ID, &sh.UserID, &sh.ParentTopicID, &sh.Title, &sh.Summary, &sh.Content, &sh.ShotType, &sh.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find shot by title: %w", err)
	}
	return sh, nil
}

func (s *Store) ShotExists(ctx context.Context, id int64, userID string) (bool, error) {
	return s.nodeExists(ctx, `SELECT 1 FROM shot WHERE shot_id = $1 AND user_id = $2`, id, userID)
}

func (s *Store) CreateCharacter(ctx context.Context, c *domain.Character) error {
	query := `
		INSERT INTO "character" (user_id, related_shot_id, character_name, character_relation, character_evaluation)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING character_id, created_time`
	err := s.conn(ctx).QueryRow(ctx, query,
		c.UserID, c.RelatedShotID, c.Name, c.Relation, c.Evaluation).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create character: %w", err)
	}
	return nil
}

func (s *Store) UpdateCharacter(ctx context.Context, id int64, userID string, p CharacterPatch) error {
	query := `
		UPDATE "character"
		SET related_shot_id = COALESCE($3, related_shot_id),
			character_name = COALESCE($4, character_name),
			character_relation = COALESCE($5, character_relation),
			character_evaluation = COALESCE($6, character_evaluation)
		WHERE character_id = $1 AND user_id = $2`
	tag, err := s.conn(ctx).Exec(ctx, query, id, userID,
		p.RelatedShotID, p.Name, p.Relation, p.Evaluation)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) SetCharacterShot(ctx context.Context, id int64, userID string, relatedShotID *int64) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE "character" SET related_shot_id = $3 WHERE character_id = $1 AND user_id = $2`,
		id, userID, relatedShotID)
	if err != nil {
		return fmt.Errorf("set character shot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) FindCharacterByName(ctx context.Context, userID, name string) (*domain.Character, error) {
	query := `
		SELECT character_id, user_id, related_shot_id, character_name, character_relation, character_evaluation, created_time
		FROM "character"
		WHERE user_id = $1 AND character_name = $2
		ORDER BY character_id DESC
		LIMIT 1`
	c := &domain.Character{}
	err := s.conn(ctx).QueryRow(ctx, query, userID, name).Scan(
		&c.ID, &c.UserID, &c.RelatedShotID, &c.Name, &c.Relation, &c.Evaluation, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find character by name: %w", err)
	}
	return c, nil
}

func (s *Store) CharacterExists(ctx context.Context, id int64, userID string) (bool, error) {
	return s.nodeExists(ctx, `SELECT 1 FROM "character" WHERE character_id = $1 AND user_id = $2`, id, userID)
}

func (s *Store) nodeExists(ctx context.Context, query string, id int64, userID string) (bool, error) {
	var one int
	err := s.conn(ctx).QueryRow(ctx, query, id, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("node exists: %w", err)
	}
	return true, nil
}
