package model

import "context"

// ConversationSummary is the structured rolling summary of a session,
// produced off the request path and folded back into analyst context.
type ConversationSummary struct {
	TherapeuticProgress string   `json:"therapeutic_progress"`
	EmotionalPatterns   string   `json:"emotional_patterns"`
	CulturalContext     string   `json:"cultural_context"`
	LanguagePreferences string   `json:"language_preferences"`
	KeyInsights         []string `json:"key_insights"`
	StressEvolution     string   `json:"stress_evolution"`
	InterventionHistory string   `json:"intervention_history"`
}

// IsZero reports whether no summary content is present.
func (s ConversationSummary) IsZero() bool {
	return s.TherapeuticProgress == "" &&
		s.EmotionalPatterns == "" &&
		s.CulturalContext == "" &&
		s.LanguagePreferences == "" &&
		len(s.KeyInsights) == 0 &&
		s.StressEvolution == "" &&
		s.InterventionHistory == ""
}

// SummaryProvider serves the effective session summary for prompt context:
// the cached one when present, nil when no fresh summary exists yet.
// Generation happens off the request path.
type SummaryProvider interface {
	Effective(ctx context.Context, sessionID string) (*ConversationSummary, error)
}
