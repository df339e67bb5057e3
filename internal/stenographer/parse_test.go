package stenographer

import (
	"errors"
	"testing"
)

func TestParseExtraction_BareObject(t *testing.T) {
	raw := `{"S":[{"tid":"s1","pt":"n","title":"少年时代"}],"T":[],"O":[],"C":[],"R":[]}`
	mc, err := ParseExtraction(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(mc.S) != 1 || mc.S[0].Title != "少年时代" {
		t.Fatalf("unexpected stages: %+v", mc.S)
	}
}

func TestParseExtraction_MemoryContentWrapper(t *testing.T) {
	raw := `{"memory_content":{"T":[{"tid":"t1","pt":"n","parent":"s1","title":"中学"}]}}`
	mc, err := ParseExtraction(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(mc.T) != 1 || mc.T[0].Parent == nil || mc.T[0].Parent.Str != "s1" {
		t.Fatalf("unexpected topics: %+v", mc.T)
	}
}

func TestParseExtraction_FencedBlock(t *testing.T) {
	raw := "好的，提取结果如下：\n```json\n{\"O\":[{\"tid\":\"o1\",\"pt\":\"n\",\"title\":\"第一次远足\",\"type\":2}]}\n```"
	mc, err := ParseExtraction(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(mc.O) != 1 || mc.O[0].Type == nil || *mc.O[0].Type != 2 {
		t.Fatalf("unexpected shots: %+v", mc.O)
	}
}

func TestParseExtraction_BraceSpanInProse(t *testing.T) {
	raw := `以下是结构化内容 {"C":[{"tid":"c1","pt":"n","name":"王老师","relation":"班主任"}]} 请查收。`
	mc, err := ParseExtraction(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(mc.C) != 1 || mc.C[0].Name != "王老师" {
		t.Fatalf("unexpected characters: %+v", mc.C)
	}
}

func TestParseExtraction_NoJSON(t *testing.T) {
	for _, raw := range []string{"", "   ", "本轮对话没有可提取的内容。"} {
		if _, err := ParseExtraction(raw); !errors.Is(err, ErrBadFormat) {
			t.Errorf("ParseExtraction(%q): expected ErrBadFormat, got %v", raw, err)
		}
	}
}

func TestIDRef_Forms(t *testing.T) {
	raw := `{"R":[{"type":"link","src":"t1","tgt":42},{"type":"link","src":"o2","tgt":"17"}]}`
	mc, err := ParseExtraction(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !mc.R[0].Tgt.IsNum || mc.R[0].Tgt.Num != 42 {
		t.Errorf("numeric ref: %+v", mc.R[0].Tgt)
	}
	if mc.R[1].Tgt.IsNum || mc.R[1].Tgt.Str != "17" {
		t.Errorf("quoted numeric ref: %+v", mc.R[1].Tgt)
	}
}

func TestIDMapResolve(t *testing.T) {
	ids := idMap{"s1": 7, "t1": 21}

	if got := ids.resolve(&IDRef{Str: "t1"}); got == nil || *got != 21 {
		t.Errorf("temporary id: got %v", got)
	}
	if got := ids.resolve(&IDRef{Num: 99, IsNum: true}); got == nil || *got != 99 {
		t.Errorf("database id: got %v", got)
	}
	if got := ids.resolve(&IDRef{Str: "17"}); got == nil || *got != 17 {
		t.Errorf("quoted database id: got %v", got)
	}
	if got := ids.resolve(&IDRef{Str: "s9"}); got != nil {
		t.Errorf("unknown temporary id should not resolve, got %d", *got)
	}
	if got := ids.resolve(nil); got != nil {
		t.Errorf("nil ref should not resolve, got %d", *got)
	}
}

func TestIDRefKind(t *testing.T) {
	cases := []struct {
		ref  *IDRef
		want byte
	}{
		{&IDRef{Str: "t3"}, 't'},
		{&IDRef{Str: "o1"}, 'o'},
		{&IDRef{Str: "c2"}, 'c'},
		{&IDRef{Num: 5, IsNum: true}, 0},
		{nil, 0},
	}
	for _, c := range cases {
		if got := c.ref.kind(); got != c.want {
			t.Errorf("kind(%+v) = %q, want %q", c.ref, got, c.want)
		}
	}
}
