// Package stenographer turns accumulated dialogue into the memoir graph:
// it drains the cache pool, asks the extraction model for a structured
// delta, materializes the delta into the node tables and appends one
// storyboard row per touched node.
package stenographer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memoirhq/narrator/internal/domain"
	"github.com/memoirhq/narrator/internal/llm"
	"github.com/memoirhq/narrator/internal/metrics"
	"github.com/memoirhq/narrator/internal/narration"
	"github.com/memoirhq/narrator/internal/settings"
	"github.com/memoirhq/narrator/internal/store"
)

type Engine struct {
	store     *store.Store
	narration *narration.Manager
	settings  *settings.Cache
	llm       llm.Caller

	// OnExtracted runs after a successful extraction; the server wires it
	// to enqueue a director run. Engines never call each other directly.
	OnExtracted func(userID string)
}

func New(st *store.Store, nm *narration.Manager, set *settings.Cache, caller llm.Caller) *Engine {
	return &Engine{store: st, narration: nm, settings: set, llm: caller}
}

// Run executes one extraction pass for a user. The scheduler guarantees
// at most one run per user at a time.
func (e *Engine) Run(ctx context.Context, userID string) error {
	// The snapshot moves the pool (plus any input stowed by a previous
	// failed run) into the overflow column in one transaction, so from
	// here on a failure loses nothing: the text stays stowed until
	// ClearOverflow after a successful run.
	userContent, err := e.narration.SnapshotPool(ctx, userID)
	if err != nil {
		return fmt.Errorf("snapshot cache pool: %w", err)
	}
	if userContent == "" {
		slog.Debug("extraction skipped, cache pool empty", "user_id", userID)
		return nil
	}

	sess, err := e.narration.EnsureSession(ctx, userID, domain.RoleStenographer)
	if err != nil {
		return e.fail(fmt.Errorf("ensure session: %w", err))
	}

	var entries []*domain.StoryboardEntry
	if sess.New {
		entries, err = e.store.LatestStoryboards(ctx, userID, e.settings.Values(ctx).MaxSBContext)
	} else {
		entries, err = e.store.UnprocessedStoryboards(ctx, userID, store.CursorStn)
	}
	if err != nil {
		return e.fail(fmt.Errorf("load storyboard context: %w", err))
	}
	sbContext := renderStoryboards(entries)

	prompt, err := e.settings.Prompt(ctx, domain.RoleStenographer)
	if err != nil {
		return e.fail(err)
	}

	result, err := e.llm.Call(ctx, llm.CallOptions{
		Role:     domain.RoleStenographer,
		UserID:   userID,
		Input:    buildInput(prompt, sbContext, userContent),
		JSONMode: true,
	})
	if err != nil {
		return e.fail(fmt.Errorf("extraction call: %w", err))
	}

	mc, err := ParseExtraction(result.Text)
	if err != nil {
		return e.fail(err)
	}

	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		if err := e.materialize(ctx, userID, mc); err != nil {
			return err
		}
		// The cursor flip covers only rows read before this run's own
		// inserts and commits together with them.
		if len(entries) > 0 {
			maxRead := entries[len(entries)-1].ID
			for _, en := range entries {
				if en.ID > maxRead {
					maxRead = en.ID
				}
			}
			if _, err := e.store.MarkProcessed(ctx, userID, store.CursorStn, maxRead); err != nil {
				return fmt.Errorf("mark storyboards: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return e.fail(fmt.Errorf("materialize delta: %w", err))
	}

	if err := e.narration.ClearOverflow(ctx, userID); err != nil {
		slog.Warn("clear overflow failed", "user_id", userID, "error", err)
	}

	wordDelta := narration.WordCount(userContent) + narration.WordCount(result.Text)
	if err := e.narration.Advance(ctx, userID, domain.RoleStenographer, result.ResponseID, wordDelta); err != nil {
		slog.Warn("advance stn session failed", "user_id", userID, "error", err)
	}

	metrics.ExtractionRunsTotal.WithLabelValues("ok").Inc()
	slog.Info("extraction completed", "user_id", userID,
		"stages", len(mc.S), "topics", len(mc.T), "shots", len(mc.O),
		"characters", len(mc.C), "relations", len(mc.R))

	if e.OnExtracted != nil {
		e.OnExtracted(userID)
	}
	return nil
}

// fail reports a run that consumed nothing. The input stays stowed in the
// overflow column; the next trigger retries with it.
func (e *Engine) fail(err error) error {
	metrics.ExtractionRunsTotal.WithLabelValues("error").Inc()
	return err
}

// buildInput assembles the extraction request: the prompt as system
// message and the tagged context as a single user message. Empty parts
// are omitted.
func buildInput(prompt, sbContext, userContent string) []llm.Message {
	var parts []string
	if sbContext != "" {
		parts = append(parts, "sb:"+sbContext)
	}
	if userContent != "" {
		parts = append(parts, "cp:"+userContent)
	}
	return []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: strings.Join(parts, "; ")},
	}
}

func renderStoryboards(entries []*domain.StoryboardEntry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Content)
	}
	return strings.Join(lines, "\n")
}

// materialize applies a delta in S, T, O, C, R order so temporary ids are
// defined before anything references them. Items with unresolvable
// references are skipped and logged; the rest of the delta still lands.
func (e *Engine) materialize(ctx context.Context, userID string, mc *MemoryContent) error {
	ids := idMap{}

	for i := range mc.S {
		if err := e.applyStage(ctx, userID, &mc.S[i], ids); err != nil {
			return err
		}
	}
	for i := range mc.T {
		if err := e.applyTopic(ctx, userID, &mc.T[i], ids); err != nil {
			return err
		}
	}
	for i := range mc.O {
		if err := e.applyShot(ctx, userID, &mc.O[i], ids); err != nil {
			return err
		}
	}
	for i := range mc.C {
		if err := e.applyCharacter(ctx, userID, &mc.C[i], ids); err != nil {
			return err
		}
	}
	for i := range mc.R {
		if err := e.applyRelation(ctx, userID, &mc.R[i], ids); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyStage(ctx context.Context, userID string, item *StageItem, ids idMap) error {
	if item.PT != "u" {
		st := &domain.Stage{
			UserID:    userID,
			Title:     item.Title,
			Summary:   item.Summary,
			Content:   item.Content,
			StartTime: item.StartTime,
			EndTime:   item.EndTime,
		}
		if err := e.store.CreateStage(ctx, st); err != nil {
			return err
		}
		ids.bind(item.TID, st.ID)
		return e.journal(ctx, userID, domain.StoryTypeStage, st.ID, item.Title, item.Summary)
	}

	id := e.locateStage(ctx, userID, item, ids)
	if id == nil {
		slog.Warn("stage update skipped, target not found", "user_id", userID, "tid", item.TID, "title", item.Title)
		return nil
	}
	patch := store.StagePatch{Summary: item.Summary, Content: item.Content, StartTime: item.StartTime, EndTime: item.EndTime}
	if item.Title != "" {
		patch.Title = &item.Title
	}
	if err := e.store.UpdateStage(ctx, *id, userID, patch); err != nil {
		return err
	}
	ids.bind(item.TID, *id)
	return e.journal(ctx, userID, domain.StoryTypeStage, *id, item.Title, item.Summary)
}

func (e *Engine) applyTopic(ctx context.Context, userID string, item *TopicItem, ids idMap) error {
	if item.PT != "u" {
		parent, ok := e.resolveParent(userID, item.Parent, ids, "topic", item.TID)
		if !ok {
			return nil
		}
		t := &domain.Topic{
			UserID:        userID,
			ParentStageID: parent,
			Title:         item.Title,
			Summary:       item.Summary,
			Content:       item.Content,
		}
		if err := e.store.CreateTopic(ctx, t); err != nil {
			return err
		}
		ids.bind(item.TID, t.ID)
		return e.journal(ctx, userID, domain.StoryTypeTopic, t.ID, item.Title, item.Summary)
	}

	id := e.locateTopic(ctx, userID, item, ids)
	if id == nil {
		slog.Warn("topic update skipped, target not found", "user_id", userID, "tid", item.TID, "title", item.Title)
		return nil
	}
	patch := store.TopicPatch{Summary: item.Summary, Content: item.Content}
	if item.Title != "" {
		patch.Title = &item.Title
	}
	if err := e.store.UpdateTopic(ctx, *id, userID, patch); err != nil {
		return err
	}
	ids.bind(item.TID, *id)
	return e.journal(ctx, userID, domain.StoryTypeTopic, *id, item.Title, item.Summary)
}

func (e *Engine) applyShot(ctx context.Context, userID string, item *ShotItem, ids idMap) error {
	if item.PT != "u" {
		parent, ok := e.resolveParent(userID, item.Parent, ids, "shot", item.TID)
		if !ok {
			return nil
		}
		shotType := int16(1)
		if item.Type != nil {
			shotType = *item.Type
		}
		sh := &domain.Shot{
			UserID:        userID,
			ParentTopicID: parent,
			Title:         item.Title,
			Summary:       item.Summary,
			Content:       item.Content,
			ShotType:      shotType,
		}
		if err := e.store.CreateShot(ctx, sh); err != nil {
			return err
		}
		ids.bind(item.TID, sh.ID)
		return e.journal(ctx, userID, domain.StoryTypeShot, sh.ID, item.Title, item.Summary)
	}

	id := e.locateShot(ctx, userID, item, ids)
	if id == nil {
		slog.Warn("shot update skipped, target not found", "user_id", userID, "tid", item.TID, "title", item.Title)
		return nil
	}
	patch := store.ShotPatch{Summary: item.Summary, Content: item.Content, ShotType: item.Type}
	if item.Title != "" {
		patch.Title = &item.Title
	}
	if err := e.store.UpdateShot(ctx, *id, userID, patch); err != nil {
		return err
	}
	ids.bind(item.TID, *id)
	return e.journal(ctx, userID, domain.StoryTypeShot, *id, item.Title, item.Summary)
}

func (e *Engine) applyCharacter(ctx context.Context, userID string, item *CharacterItem, ids idMap) error {
	if item.PT != "u" {
		related, ok := e.resolveParent(userID, item.Related, ids, "character", item.TID)
		if !ok {
			return nil
		}
		c := &domain.Character{
			UserID:        userID,
			RelatedShotID: related,
			Name:          item.Name,
			Relation:      item.Relation,
			Evaluation:    item.Evaluation,
		}
		if err := e.store.CreateCharacter(ctx, c); err != nil {
			return err
		}
		ids.bind(item.TID, c.ID)
		return e.journal(ctx, userID, domain.StoryTypeCharacter, c.ID, item.Name, nil)
	}

	id := e.locateCharacter(ctx, userID, item, ids)
	if id == nil {
		slog.Warn("character update skipped, target not found", "user_id", userID, "tid", item.TID, "name", item.Name)
		return nil
	}
	patch := store.CharacterPatch{Relation: item.Relation, Evaluation: item.Evaluation}
	if item.Name != "" {
		patch.Name = &item.Name
	}
	if err := e.store.UpdateCharacter(ctx, *id, userID, patch); err != nil {
		return err
	}
	ids.bind(item.TID, *id)
	return e.journal(ctx, userID, domain.StoryTypeCharacter, *id, item.Name, nil)
}

// applyRelation moves the parent pointer named by the src reference. Both
// ends must resolve; unlink only needs src but keeps the same guard so a
// malformed relation never clears a pointer by accident.
func (e *Engine) applyRelation(ctx context.Context, userID string, rel *RelationItem, ids idMap) error {
	src := ids.resolve(rel.Src)
	tgt := ids.resolve(rel.Tgt)
	if src == nil || tgt == nil {
		slog.Warn("relation skipped, unresolved reference", "user_id", userID, "type", rel.Type)
		return nil
	}

	var parent *int64
	if rel.Type == "link" {
		parent = tgt
	} else if rel.Type != "unlink" {
		slog.Warn("relation skipped, unknown type", "user_id", userID, "type", rel.Type)
		return nil
	}

	switch rel.Src.kind() {
	case 't':
		return e.store.SetTopicParent(ctx, *src, userID, parent)
	case 'o':
		return e.store.SetShotParent(ctx, *src, userID, parent)
	case 'c':
		return e.store.SetCharacterShot(ctx, *src, userID, parent)
	default:
		slog.Warn("relation skipped, src names no table", "user_id", userID, "src", rel.Src.Str)
		return nil
	}
}

// resolveParent resolves an optional parent reference. A missing
// reference inserts an orphan (linked later via R); an unresolvable one
// skips the item.
func (e *Engine) resolveParent(userID string, ref *IDRef, ids idMap, kind, tid string) (*int64, bool) {
	if ref == nil {
		return nil, true
	}
	if id := ids.resolve(ref); id != nil {
		return id, true
	}
	slog.Warn(kind+" skipped, parent reference unresolved", "user_id", userID, "tid", tid)
	return nil, false
}

func (e *Engine) locateStage(ctx context.Context, userID string, item *StageItem, ids idMap) *int64 {
	if id := ids.resolve(item.ID); id != nil {
		return id
	}
	if item.Title == "" {
		return nil
	}
	st, err := e.store.FindStageByTitle(ctx, userID, item.Title)
	if err != nil {
		return nil
	}
	return &st.ID
}

func (e *Engine) locateTopic(ctx context.Context, userID string, item *TopicItem, ids idMap) *int64 {
	if id := ids.resolve(item.ID); id != nil {
		return id
	}
	if item.Title == "" {
		return nil
	}
	t, err := e.store.FindTopicByTitle(ctx, userID, item.Title)
	if err != nil {
		return nil
	}
	return &t.ID
}

func (e *Engine) locateShot(ctx context.Context, userID string, item *ShotItem, ids idMap) *int64 {
	if id := ids.resolve(item.ID); id != nil {
		return id
	}
	if item.Title == "" {
		return nil
	}
	sh, err := e.store.FindShotByTitle(ctx, userID, item.Title)
	if err != nil {
		return nil
	}
	return &sh.ID
}

func (e *Engine) locateCharacter(ctx context.Context, userID string, item *CharacterItem, ids idMap) *int64 {
	if id := ids.resolve(item.ID); id != nil {
		return id
	}
	if item.Name == "" {
		return nil
	}
	c, err := e.store.FindCharacterByName(ctx, userID, item.Name)
	if err != nil {
		return nil
	}
	return &c.ID
}

// journal appends the storyboard row for a touched node.
func (e *Engine) journal(ctx context.Context, userID string, t domain.StoryType, entityID int64, title string, summary *string) error {
	content := fmt.Sprintf("[%s:%d] %s", t.Letter(), entityID, title)
	if summary != nil && *summary != "" {
		content += " | " + *summary
	}
	return e.store.CreateStoryboardEntry(ctx, &domain.StoryboardEntry{
		UserID:   userID,
		Type:     t,
		EntityID: entityID,
		Content:  content,
	})
}

func (m idMap) bind(tid string, id int64) {
	if tid != "" {
		m[tid] = id
	}
}
