// Package domain holds the entities shared by the store and the agent engines.
package domain

import "time"

// Role identifies one of the three narration agents. The numeric values
// match the llm_type column of prompt_config.
type Role int

const (
	RoleInterviewer  Role = 0
	RoleStenographer Role = 1
	RoleDirector     Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleInterviewer:
		return "intv"
	case RoleStenographer:
		return "stn"
	case RoleDirector:
		return "dir"
	}
	return "unknown"
}

// Speaker identifies which side of the dialogue produced an utterance.
type Speaker int16

const (
	SpeakerUser      Speaker = 0
	SpeakerAssistant Speaker = 1
)

// Prefix is the single-letter tag used when dialogue is rendered for the
// LLM ("U:..." / "I:...").
func (s Speaker) Prefix() string {
	if s == SpeakerAssistant {
		return "I"
	}
	return "U"
}

// SessionState is the provider-side session tuple kept per agent.
type SessionState struct {
	SessionID          *string
	WordCount          int
	ExpireAt           *time.Time
	PreviousResponseID *string
}

// NarrationState is the per-user narration row. Exactly one exists per
// user; it is created lazily on first contact and never destroyed.
type NarrationState struct {
	ID     int64
	UserID string

	Intv SessionState
	Stn  SessionState
	Dir  SessionState

	// Interviewer-only.
	PreviousContent *string
	LastHintID      *int64

	// Stenographer-only: input preserved from a failed extraction run.
	UnprocessedOverflow *string

	// Dialogue delta accumulated since the last extraction snapshot.
	CachePool *string
}

// Session returns the session tuple for the given role.
func (n *NarrationState) Session(role Role) *SessionState {
	switch role {
	case RoleStenographer:
		return &n.Stn
	case RoleDirector:
		return &n.Dir
	default:
		return &n.Intv
	}
}

// Utterance is one half of a dialogue turn.
type Utterance struct {
	ID        int64
	UserID    string
	Speaker   Speaker
	HasVoice  bool
	Text      string
	CreatedAt time.Time
}

// VoiceRecord links a stored audio blob to an utterance.
type VoiceRecord struct {
	ID          int64
	UserID      string
	Speaker     Speaker
	URL         string
	UtteranceID *int64
	CreatedAt   time.Time
}

// Stage is the top level of the memoir graph ("childhood", "1995").
type Stage struct {
	ID        int64
	UserID    string
	Title     string
	Summary   *string
	Content   *string
	StartTime *string
	EndTime   *string
	CreatedAt time.Time
}

// Topic groups shots under a stage.
type Topic struct {
	ID            int64
	UserID        string
	ParentStageID *int64
	Title         string
	Summary       *string
	Content       *string
	CreatedAt     time.Time
}

// Shot is a single remembered scene.
type Shot struct {
	ID            int64
	UserID        string
	ParentTopicID *int64
	Title         string
	Summary       *string
	Content       *string
	ShotType      int16
	CreatedAt     time.Time
}

// Character is a person appearing in a shot.
type Character struct {
	ID            int64
	UserID        string
	RelatedShotID *int64
	Name          string
	Relation      *string
	Evaluation    *string
	CreatedAt     time.Time
}

// StoryType tags a storyboard entry with the node table it points into.
type StoryType int16

const (
	StoryTypeStage     StoryType = 1
	StoryTypeTopic     StoryType = 2
	StoryTypeShot      StoryType = 3
	StoryTypeCharacter StoryType = 4
)

// Letter returns the single-letter tag used in rendered storyboard lines.
func (t StoryType) Letter() string {
	switch t {
	case StoryTypeStage:
		return "S"
	case StoryTypeTopic:
		return "T"
	case StoryTypeShot:
		return "O"
	case StoryTypeCharacter:
		return "C"
	}
	return "?"
}

// StoryboardEntry is one row of the append-only graph delta journal.
// The two processed flags advance independently, 0 to 1, never back.
type StoryboardEntry struct {
	ID           int64
	UserID       string
	Type         StoryType
	EntityID     int64
	Content      string
	StnProcessed int16
	DirProcessed int16
	CreatedAt    time.Time
}

// Hint is a single advisory written by the director and consumed at most
// once by the interviewer.
type Hint struct {
	ID        int64
	UserID    string
	Content   string
	CreatedAt time.Time
}

// Model is one row of the model catalog. Prices are per thousand tokens;
// cached prompt tokens are billed at CacheDiscount times the input price.
type Model struct {
	ID            int64
	Name          string
	APIModelID    string
	InputPrice    float64
	OutputPrice   float64
	CacheDiscount float64
}

// LLMCall is one telemetry row per provider call. Writes are best-effort.
type LLMCall struct {
	UserID           string
	Agent            string
	ModelID          int64
	ModelName        string
	DurationMS       int
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	Cost             float64
	Input            *string
	Output           *string
	UtteranceID      *int64
}

// ASRCall records one speech-to-text invocation.
type ASRCall struct {
	UserID      string
	UtteranceID int64
	ModelID     int64
	DurationMS  int
	Cost        float64
}

// TTSCall records one text-to-speech invocation.
type TTSCall struct {
	UserID      string
	UtteranceID *int64
	ModelID     int64
	DurationMS  int
	Chars       int
	Cost        float64
}
