package stenographer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrBadFormat marks an extraction reply that holds no usable JSON. The
// run's input is stowed, not lost.
var ErrBadFormat = errors.New("unparseable extraction response")

// MemoryContent is the graph delta the extraction model emits: stages,
// topics, shots, characters and relations, in dependency order.
type MemoryContent struct {
	S []StageItem     `json:"S"`
	T []TopicItem     `json:"T"`
	O []ShotItem      `json:"O"`
	C []CharacterItem `json:"C"`
	R []RelationItem  `json:"R"`
}

// Every node item carries a temporary id ("s1", "t2", ...) so later items
// in the same delta can reference it, and pt: "n" for insert, "u" for
// update.
type StageItem struct {
	TID       string  `json:"tid"`
	PT        string  `json:"pt"`
	ID        *IDRef  `json:"id"`
	Title     string  `json:"title"`
	Summary   *string `json:"summary"`
	Content   *string `json:"content"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
}

type TopicItem struct {
	TID     string  `json:"tid"`
	PT      string  `json:"pt"`
	ID      *IDRef  `json:"id"`
	Parent  *IDRef  `json:"parent"`
	Title   string  `json:"title"`
	Summary *string `json:"summary"`
	Content *string `json:"content"`
}

type ShotItem struct {
	TID     string  `json:"tid"`
	PT      string  `json:"pt"`
	ID      *IDRef  `json:"id"`
	Parent  *IDRef  `json:"parent"`
	Title   string  `json:"title"`
	Summary *string `json:"summary"`
	Content *string `json:"content"`
	Type    *int16  `json:"type"`
}

type CharacterItem struct {
	TID        string  `json:"tid"`
	PT         string  `json:"pt"`
	ID         *IDRef  `json:"id"`
	Related    *IDRef  `json:"related"`
	Name       string  `json:"name"`
	Relation   *string `json:"relation"`
	Evaluation *string `json:"evaluation"`
}

// RelationItem links or unlinks a child from its parent. The src prefix
// decides which pointer moves: t→stage, o→topic, c→shot.
type RelationItem struct {
	Type string `json:"type"`
	Src  *IDRef `json:"src"`
	Tgt  *IDRef `json:"tgt"`
}

// IDRef is an id reference that may arrive as a JSON number (database id)
// or a string (temporary id, or a number in quotes).
type IDRef struct {
	Str   string
	Num   int64
	IsNum bool
}

func (r *IDRef) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		return json.Unmarshal(b, &r.Str)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("id reference: %w", err)
	}
	r.Num = int64(f)
	r.IsNum = true
	return nil
}

// idMap accumulates temporary id → database id while a delta is applied
// in S, T, O, C order.
type idMap map[string]int64

// resolve turns an id reference into a database id: temporary ids via the
// map, numeric references (quoted or not) as-is. nil means unresolvable.
func (m idMap) resolve(r *IDRef) *int64 {
	if r == nil {
		return nil
	}
	if r.IsNum {
		v := r.Num
		return &v
	}
	if v, ok := m[r.Str]; ok {
		return &v
	}
	if n, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
		return &n
	}
	return nil
}

// kind returns the node table a string reference points into, from its
// first letter. Numeric references carry no table information.
func (r *IDRef) kind() byte {
	if r == nil || r.IsNum || r.Str == "" {
		return 0
	}
	return r.Str[0]
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	braceBlock = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseExtraction decodes the extraction reply. JSON mode usually returns
// a clean object, but replies wrapped in prose or code fences are
// salvaged: first a fenced block, then the outermost brace span.
func ParseExtraction(raw string) (*MemoryContent, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrBadFormat)
	}

	if mc, err := decodeMemoryContent(raw); err == nil {
		return mc, nil
	}

	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		if mc, err := decodeMemoryContent(m[1]); err == nil {
			return mc, nil
		}
	}

	if m := braceBlock.FindString(raw); m != "" {
		if mc, err := decodeMemoryContent(m); err == nil {
			return mc, nil
		}
	}

	return nil, fmt.Errorf("%w: no JSON object found", ErrBadFormat)
}

// decodeMemoryContent accepts both the wrapped form
// {"memory_content": {...}} and the bare {...} delta.
func decodeMemoryContent(s string) (*MemoryContent, error) {
	var wrapper struct {
		MemoryContent json.RawMessage `json:"memory_content"`
	}
	if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
		return nil, err
	}
	if wrapper.MemoryContent != nil {
		var mc MemoryContent
		if err := json.Unmarshal(wrapper.MemoryContent, &mc); err != nil {
			return nil, err
		}
		return &mc, nil
	}
	var mc MemoryContent
	if err := json.Unmarshal([]byte(s), &mc); err != nil {
		return nil, err
	}
	return &mc, nil
}
