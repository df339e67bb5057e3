// Package settings is the in-process cache of runtime tunables, the model
// catalog and the active agent prompts, all read from the database. Values
// are refreshed lazily once the TTL lapses; a failed refresh keeps serving
// the previous snapshot.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/memoirhq/narrator/internal/domain"
	"github.com/memoirhq/narrator/internal/store"
)

// Values are the runtime tunables. Anything missing from sys_config keeps
// its default.
type Values struct {
	IntvWordLimit int
	StnWordLimit  int
	DirWordLimit  int

	IntvSessionLifetime time.Duration
	StnSessionLifetime  time.Duration
	DirSessionLifetime  time.Duration

	IntvExpireBuffer time.Duration
	StnExpireBuffer  time.Duration
	DirExpireBuffer  time.Duration

	// EnableCaching is the global provider-session toggle. When off, no
	// call continues a response chain and the interviewer resends full
	// context every turn.
	EnableCaching bool

	CachePoolLimit     int
	MaxSBContext       int
	MaxPreviousContent int

	IntvModelID int64
	StnModelID  int64
	DirModelID  int64
	TTSModelID  int64
	ASRModelID  int64

	IntvTemperature float64
	StnTemperature  float64
	DirTemperature  float64
}

// Defaults returns the built-in tunables used before the first load and
// for keys absent from sys_config.
func Defaults() Values {
	return Values{
		IntvWordLimit:       20000,
		StnWordLimit:        10000,
		DirWordLimit:        5000,
		IntvSessionLifetime: time.Hour,
		StnSessionLifetime:  time.Hour,
		DirSessionLifetime:  time.Hour,
		IntvExpireBuffer:    5 * time.Minute,
		StnExpireBuffer:     5 * time.Minute,
		DirExpireBuffer:     5 * time.Minute,
		EnableCaching:       true,
		CachePoolLimit:      200,
		MaxSBContext:        50,
		MaxPreviousContent:  5000,
		IntvTemperature:     0.7,
		StnTemperature:      0.2,
		DirTemperature:      0.5,
	}
}

type snapshot struct {
	values  Values
	prompts map[domain.Role]string
	models  map[int64]*domain.Model
}

type Cache struct {
	store *store.Store
	ttl   time.Duration

	mu       sync.RWMutex
	loadedAt time.Time
	snap     snapshot
}

func New(st *store.Store, ttl time.Duration) *Cache {
	return &Cache{
		store: st,
		ttl:   ttl,
		snap: snapshot{
			values:  Defaults(),
			prompts: map[domain.Role]string{},
			models:  map[int64]*domain.Model{},
		},
	}
}

// NewStatic returns a cache pinned to the given tunables and prompts,
// never touching the database. Engine tests use it.
func NewStatic(values Values, prompts map[domain.Role]string) *Cache {
	return &Cache{
		ttl:      24 * time.Hour,
		loadedAt: time.Now(),
		snap: snapshot{
			values:  values,
			prompts: prompts,
			models:  map[int64]*domain.Model{},
		},
	}
}

// Values returns the current tunables, refreshing from the database when
// the snapshot is stale.
func (c *Cache) Values(ctx context.Context) Values {
	return c.current(ctx).values
}

// Prompt returns the active prompt for a role. A role with no active
// prompt is a deployment error, reported as such.
func (c *Cache) Prompt(ctx context.Context, role domain.Role) (string, error) {
	p, ok := c.current(ctx).prompts[role]
	if !ok || p == "" {
		return "", fmt.Errorf("no active prompt for agent %s", role)
	}
	return p, nil
}

// Model looks up a catalog entry by id.
func (c *Cache) Model(ctx context.Context, id int64) (*domain.Model, error) {
	m, ok := c.current(ctx).models[id]
	if !ok {
		return nil, fmt.Errorf("model %d: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (c *Cache) current(ctx context.Context) snapshot {
	c.mu.RLock()
	fresh := time.Since(c.loadedAt) < c.ttl
	snap := c.snap
	c.mu.RUnlock()
	if fresh {
		return snap
	}
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("settings refresh failed, serving stale snapshot", "error", err)
		return snap
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Refresh reloads tunables, prompts and the model catalog.
func (c *Cache) Refresh(ctx context.Context) error {
	entries, err := c.store.ListSysConfig(ctx)
	if err != nil {
		return fmt.Errorf("load sys config: %w", err)
	}
	prompts, err := c.store.ListActivePrompts(ctx)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	models, err := c.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	values := Defaults()
	for _, e := range entries {
		applyEntry(&values, e)
	}

	promptMap := make(map[domain.Role]string, len(prompts))
	for _, p := range prompts {
		promptMap[p.Role] = p.Content
	}
	modelMap := make(map[int64]*domain.Model, len(models))
	for _, m := range models {
		modelMap[m.ID] = m
	}

	c.mu.Lock()
	c.snap = snapshot{values: values, prompts: promptMap, models: modelMap}
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// applyEntry maps one sys_config row onto the tunables. Key names follow
// the operator-seeded table.
func applyEntry(v *Values, e store.ConfigEntry) {
	switch e.Key {
	case "intv_llm_session_word_limit":
		setInt(&v.IntvWordLimit, e)
	case "stn_llm_session_word_limit":
		setInt(&v.StnWordLimit, e)
	case "dir_llm_session_word_limit":
		setInt(&v.DirWordLimit, e)
	case "intv_llm_session_expire_duration":
		setSeconds(&v.IntvSessionLifetime, e)
	case "stn_llm_session_expire_duration":
		setSeconds(&v.StnSessionLifetime, e)
	case "dir_llm_session_expire_duration":
		setSeconds(&v.DirSessionLifetime, e)
	case "intv_llm_session_expire_buf":
		setSeconds(&v.IntvExpireBuffer, e)
	case "stn_llm_session_expire_buf":
		setSeconds(&v.StnExpireBuffer, e)
	case "dir_llm_session_expire_buf":
		setSeconds(&v.DirExpireBuffer, e)
	case "enable_llm_caching":
		setBool(&v.EnableCaching, e)
	case "cache_pool_limit":
		setInt(&v.CachePoolLimit, e)
	case "max_sb_context":
		setInt(&v.MaxSBContext, e)
	case "max_previous_content":
		setInt(&v.MaxPreviousContent, e)
	case "intv_llm_model":
		setInt64(&v.IntvModelID, e)
	case "stn_llm_model":
		setInt64(&v.StnModelID, e)
	case "dir_llm_model":
		setInt64(&v.DirModelID, e)
	case "intv_tts_model":
		setInt64(&v.TTSModelID, e)
	case "intv_asr_model":
		setInt64(&v.ASRModelID, e)
	case "intv_llm_temp":
		setFloat(&v.IntvTemperature, e)
	case "stn_llm_temp":
		setFloat(&v.StnTemperature, e)
	case "dir_llm_temp":
		setFloat(&v.DirTemperature, e)
	default:
		// Unknown keys belong to other services sharing the table.
	}
}

func setInt(dst *int, e store.ConfigEntry) {
	n, err := strconv.Atoi(e.Value)
	if err != nil {
		slog.Warn("bad config value", "key", e.Key, "value", e.Value)
		return
	}
	*dst = n
}

func setInt64(dst *int64, e store.ConfigEntry) {
	n, err := strconv.ParseInt(e.Value, 10, 64)
	if err != nil {
		slog.Warn("bad config value", "key", e.Key, "value", e.Value)
		return
	}
	*dst = n
}

func setFloat(dst *float64, e store.ConfigEntry) {
	f, err := strconv.ParseFloat(e.Value, 64)
	if err != nil {
		slog.Warn("bad config value", "key", e.Key, "value", e.Value)
		return
	}
	*dst = f
}

func setBool(dst *bool, e store.ConfigEntry) {
	b, err := strconv.ParseBool(e.Value)
	if err != nil {
		slog.Warn("bad config value", "key", e.Key, "value", e.Value)
		return
	}
	*dst = b
}

func setSeconds(dst *time.Duration, e store.ConfigEntry) {
	n, err := strconv.Atoi(e.Value)
	if err != nil {
		slog.Warn("bad config value", "key", e.Key, "value", e.Value)
		return
	}
	*dst = time.Duration(n) * time.Second
}

// WordLimit returns the word budget for a role's provider session.
func (v Values) WordLimit(role domain.Role) int {
	switch role {
	case domain.RoleStenographer:
		return v.StnWordLimit
	case domain.RoleDirector:
		return v.DirWordLimit
	default:
		return v.IntvWordLimit
	}
}

// SessionLifetime returns how long a fresh session for a role lives.
func (v Values) SessionLifetime(role domain.Role) time.Duration {
	switch role {
	case domain.RoleStenographer:
		return v.StnSessionLifetime
	case domain.RoleDirector:
		return v.DirSessionLifetime
	default:
		return v.IntvSessionLifetime
	}
}

// ExpireBuffer returns the minimum remaining lifetime a role's session
// needs to still be continued.
func (v Values) ExpireBuffer(role domain.Role) time.Duration {
	switch role {
	case domain.RoleStenographer:
		return v.StnExpireBuffer
	case domain.RoleDirector:
		return v.DirExpireBuffer
	default:
		return v.IntvExpireBuffer
	}
}

// ModelID returns the configured model for a role.
func (v Values) ModelID(role domain.Role) int64 {
	switch role {
	case domain.RoleStenographer:
		return v.StnModelID
	case domain.RoleDirector:
		return v.DirModelID
	default:
		return v.IntvModelID
	}
}

// Temperature returns the sampling temperature for a role.
func (v Values) Temperature(role domain.Role) float64 {
	switch role {
	case domain.RoleStenographer:
		return v.StnTemperature
	case domain.RoleDirector:
		return v.DirTemperature
	default:
		return v.IntvTemperature
	}
}
