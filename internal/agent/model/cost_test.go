package model

import (
	"testing"

	"github.com/cloudwego/eino/schema"
)

func TestComputeCost(t *testing.T) {
	usage := &schema.TokenUsage{
		PromptTokens:     1_000_000,
		CompletionTokens: 500_000,
		TotalTokens:      1_500_000,
	}
	p := ResolvePricing("gemini-2.5-flash")

	in, out, total := ComputeCost(usage, p)
	if in != 0.30 {
		t.Errorf("input cost = %v, want 0.30", in)
	}
	if out != 1.25 {
		t.Errorf("output cost = %v, want 1.25", out)
	}
	if total != 1.55 {
		t.Errorf("total cost = %v, want 1.55", total)
	}
}

func TestComputeCostNilUsage(t *testing.T) {
	in, out, total := ComputeCost(nil, ResolvePricing("gemini-2.5-flash"))
	if in != 0 || out != 0 || total != 0 {
		t.Errorf("nil usage should cost nothing, got %v/%v/%v", in, out, total)
	}
}

func TestResolvePricingUnknownModel(t *testing.T) {
	p := ResolvePricing("some-future-model")
	if p.InputPerM != 0 || p.OutputPerM != 0 {
		t.Errorf("unknown model should resolve to zero pricing, got %+v", p)
	}

	_, _, total := ComputeCost(&schema.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000}, p)
	if total != 0 {
		t.Errorf("zero pricing should produce zero cost, got %v", total)
	}
}
