package llm

import (
	"math"
	"testing"

	"github.com/memoirhq/narrator/internal/domain"
)

func TestCost_CachedTokensDiscounted(t *testing.T) {
	model := &domain.Model{InputPrice: 0.01, OutputPrice: 0.03, CacheDiscount: 0.1}
	usage := Usage{InputTokens: 900, OutputTokens: 40, TotalTokens: 940}
	usage.InputTokensDetails.CachedTokens = 600

	got := Cost(model, usage)
	want := 300*0.01/1000 + 600*0.01*0.1/1000 + 40*0.03/1000
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected cost %f, got %f", want, got)
	}
}

func TestCost_CachedExceedingInputClamped(t *testing.T) {
	model := &domain.Model{InputPrice: 0.01, OutputPrice: 0.03, CacheDiscount: 0.5}
	usage := Usage{InputTokens: 100, OutputTokens: 0, TotalTokens: 100}
	usage.InputTokensDetails.CachedTokens = 150

	got := Cost(model, usage)
	want := 150 * 0.01 * 0.5 / 1000
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected cost %f, got %f", want, got)
	}
}

func TestRenderInput(t *testing.T) {
	got := renderInput([]Message{
		{Role: "system", Content: "you are the interviewer"},
		{Role: "user", Content: "ot:hello"},
	})
	want := "system: you are the interviewer\nuser: ot:hello"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
