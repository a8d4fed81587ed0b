package model

import (
	"github.com/cloudwego/eino/schema"
)

// AppState stores per-invocation state for the Eino Graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers:
//     WithStatePreHandler, WithStatePostHandler, or compose.ProcessState.
//   - Eino serializes access to state within these handlers, so no additional
//     mutex/atomic is required as long as you never touch it outside handlers.
//   - Do not access AppState directly from outside handlers. For persistence,
//     use repositories/services (e.g., MessagesManager).
type AppState struct {
	SessionID            string
	UserID               string
	VoiceAnalysis        map[string]any    // opaque acoustic features from the client, folded into prompts as-is
	UserActivities       []map[string]any  // opaque client-supplied activity context, folded into prompts as-is
	History              []*schema.Message // mutated only inside Eino state handlers
	Analysis             *Analysis         // set by parser post-handler, read by assembler
	ToolCallCount        int               // maintained in handlers (reset/increment)
	ToolCallLimitReached bool              // set when tool call limit is exceeded
	ToolCallIDSeq        int               // local sequence to synthesize tool_call_id when provider omits

	// Accumulated total LLM cost (USD) across model invocations for this query
	TotalCostUSD float64
}

// QueryInput represents the input for processing one chat turn.
type QueryInput struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	Query          string           `json:"query"`
	VoiceAnalysis  map[string]any   `json:"voice_analysis,omitempty"`
	UserActivities []map[string]any `json:"user_activities,omitempty"`
}

// ResponseData holds the data for the response.
type ResponseData struct {
	Analysis       Analysis // analyst result
	SessionID      string   // session identifier from state
	UserID         string
	VoiceAnalysis  map[string]any
	UserActivities []map[string]any
}

// QueryResult is the outcome of one chat turn. The insight fields are
// lifted from the analyst stage so API clients can see how the reply was
// steered without a second round trip.
type QueryResult struct {
	Content   string  `json:"content"`
	Escalated bool    `json:"escalated"`
	CostUSD   float64 `json:"cost_usd"`

	Approach             string `json:"approach,omitempty"`
	PrimaryStressor      string `json:"primary_stressor,omitempty"`
	InterventionPriority string `json:"intervention_priority,omitempty"`
	CrisisLevel          string `json:"crisis_level,omitempty"`
}
