package parsers

import (
	"strings"
	"testing"

	"github.com/companion-core/server/internal/agent/model"
)

func TestParseAnalysisFullOutput(t *testing.T) {
	content := `(emotion<||>anxious<||>0.85<||>{"trigger": "exam"})##
(stressor<||>academic<||>0.9<||>0.8)##
(stressor<||>family<||>0.55<||>0.6)##
(approach<||>CBT<||>0.8)##
(approach<||>ACT<||>0.4)##
(language<||>eng<||>0.95<||>1)##
(language<||>hin<||>0.4<||>0)##
(insight<||>Catastrophizing about board results<||>0.7)##
(crisis<||>none<||>0.9)##
<|COMPLETE|>`

	resp, err := ParseAnalysis(content)
	if err != nil {
		t.Fatalf("ParseAnalysis returned error: %v", err)
	}

	if len(resp.Emotions) != 1 || resp.Emotions[0].Label != "anxious" {
		t.Errorf("unexpected emotions: %+v", resp.Emotions)
	}
	if got := resp.Emotions[0].Metadata["trigger"]; got != "exam" {
		t.Errorf("emotion metadata trigger = %v, want exam", got)
	}
	if len(resp.Stressors) != 2 {
		t.Fatalf("expected 2 stressors, got %d", len(resp.Stressors))
	}
	if resp.PrimaryStressor != "academic" {
		t.Errorf("PrimaryStressor = %q, want academic", resp.PrimaryStressor)
	}
	if resp.PrimaryLanguage != "eng" {
		t.Errorf("PrimaryLanguage = %q, want eng", resp.PrimaryLanguage)
	}
	if resp.RecommendedApproach != "CBT" {
		t.Errorf("RecommendedApproach = %q, want CBT", resp.RecommendedApproach)
	}
	if len(resp.Insights) != 1 || resp.Insights[0].Confidence != 0.7 {
		t.Errorf("unexpected insights: %+v", resp.Insights)
	}
	if resp.Crisis.Level != model.CrisisNone {
		t.Errorf("Crisis.Level = %q, want none", resp.Crisis.Level)
	}

	// ImportanceScore = 0.9*0.6 + 0.8*0.4
	want := 0.9*0.6 + 0.8*0.4
	if diff := resp.ImportanceScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ImportanceScore = %v, want %v", resp.ImportanceScore, want)
	}
	if resp.InterventionPriority != "medium" {
		t.Errorf("InterventionPriority = %q, want medium (high importance)", resp.InterventionPriority)
	}
}

func TestParseAnalysisCrisisSeverity(t *testing.T) {
	content := `(crisis<||>supportive<||>0.8)##(crisis<||>immediate<||>0.95)##(crisis<||>long-term<||>0.99)##<|COMPLETE|>`

	resp, err := ParseAnalysis(content)
	if err != nil {
		t.Fatalf("ParseAnalysis returned error: %v", err)
	}
	if resp.Crisis.Level != model.CrisisImmediate {
		t.Errorf("Crisis.Level = %q, want immediate (most severe wins)", resp.Crisis.Level)
	}
	if resp.Crisis.Confidence != 0.95 {
		t.Errorf("Crisis.Confidence = %v, want 0.95", resp.Crisis.Confidence)
	}
	if !resp.RequiresEscalation() {
		t.Error("RequiresEscalation() = false, want true")
	}
	if resp.InterventionPriority != "high" {
		t.Errorf("InterventionPriority = %q, want high", resp.InterventionPriority)
	}
}

func TestParseAnalysisMalformedRecords(t *testing.T) {
	content := `(emotion<||>calm<||>0.6)##
not a tuple at all##
(stressor<||>social<||>1.5<||>0.3)##
(language<||>english<||>0.9<||>1)##
(crisis<||>catastrophic<||>0.9)##
(unknowntype<||>x<||>0.5)##
<|COMPLETE|>`

	resp, err := ParseAnalysis(content)
	if err != nil {
		t.Fatalf("ParseAnalysis returned error: %v", err)
	}

	// the valid emotion survives
	if len(resp.Emotions) != 1 {
		t.Errorf("expected 1 emotion, got %d", len(resp.Emotions))
	}
	// out-of-range confidence, bad language code, bad crisis level all skipped
	if len(resp.Stressors) != 0 {
		t.Errorf("expected 0 stressors, got %+v", resp.Stressors)
	}
	if len(resp.Languages) != 0 {
		t.Errorf("expected 0 languages, got %+v", resp.Languages)
	}
	if resp.Crisis.Level != model.CrisisNone {
		t.Errorf("Crisis.Level = %q, want none", resp.Crisis.Level)
	}

	errs, _ := resp.ParsingMetadata["parsing_errors"].([]string)
	if len(errs) < 4 {
		t.Errorf("expected at least 4 parsing errors, got %v", errs)
	}
}

func TestParseAnalysisEmptyInput(t *testing.T) {
	resp, err := ParseAnalysis("")
	if err != nil {
		t.Fatalf("ParseAnalysis returned error: %v", err)
	}
	if resp.Crisis.Level != model.CrisisNone {
		t.Errorf("Crisis.Level = %q, want none", resp.Crisis.Level)
	}
	if resp.InterventionPriority != "low" {
		t.Errorf("InterventionPriority = %q, want low", resp.InterventionPriority)
	}
}

func TestParseAnalysisIgnoresContentAfterComplete(t *testing.T) {
	content := `(emotion<||>calm<||>0.6)##<|COMPLETE|>##(emotion<||>angry<||>0.9)`

	resp, err := ParseAnalysis(content)
	if err != nil {
		t.Fatalf("ParseAnalysis returned error: %v", err)
	}
	if len(resp.Emotions) != 1 || resp.Emotions[0].Label != "calm" {
		t.Errorf("records after end delimiter should be ignored, got %+v", resp.Emotions)
	}
}

func TestParseAnalysisTruncatesOversizedInput(t *testing.T) {
	content := "(emotion<||>calm<||>0.6)##" + strings.Repeat("x", maxContentLen+10)

	resp, err := ParseAnalysis(content)
	if err != nil {
		t.Fatalf("ParseAnalysis returned error: %v", err)
	}
	if truncated, _ := resp.ParsingMetadata["truncated"].(bool); !truncated {
		t.Error("expected truncated flag in parsing metadata")
	}
}
