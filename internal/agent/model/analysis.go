package model

import "time"

// Emotion is a detected emotional state with confidence.
type Emotion struct {
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Stressor is a detected stress category (academic, family, social, ...)
// with confidence and a priority weight for intervention ranking.
type Stressor struct {
	Category   string         `json:"category"`
	Confidence float64        `json:"confidence"`
	Priority   float64        `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Approach is a recommended therapeutic approach (CBT, ACT, MBCT).
type Approach struct {
	Name       string         `json:"name"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Language is a detected conversation language.
type Language struct {
	Code       string         `json:"code"`
	Confidence float64        `json:"confidence"`
	IsPrimary  bool           `json:"is_primary"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Insight is a free-form psychological observation from the analyst.
type Insight struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Crisis captures the analyst's crisis assessment. Level is one of
// immediate, supportive, long-term or none.
type Crisis struct {
	Level      string         `json:"level"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

const (
	CrisisImmediate  = "immediate"
	CrisisSupportive = "supportive"
	CrisisLongTerm   = "long-term"
	CrisisNone       = "none"
)

// Analysis is the parsed output of the psychological analyst model.
type Analysis struct {
	Emotions   []Emotion  `json:"emotions"`
	Stressors  []Stressor `json:"stressors"`
	Approaches []Approach `json:"approaches"`
	Languages  []Language `json:"languages"`
	Insights   []Insight  `json:"insights"`
	Crisis     Crisis     `json:"crisis"`

	// Derived fields
	PrimaryStressor      string  `json:"primary_stressor"`
	PrimaryLanguage      string  `json:"primary_language"`
	RecommendedApproach  string  `json:"recommended_approach"`
	InterventionPriority string  `json:"intervention_priority"`
	ImportanceScore      float64 `json:"importance_score"`

	Metadata        map[string]any `json:"metadata,omitempty"`
	ParsingMetadata map[string]any `json:"parsing_metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// RequiresEscalation reports whether the analysis calls for routing the
// conversation away from the model to a human counselor.
func (a *Analysis) RequiresEscalation() bool {
	return a.Crisis.Level == CrisisImmediate && a.Crisis.Confidence > 0.9
}
