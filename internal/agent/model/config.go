package model

// ================ Config ================
type ConversationConfig struct {
	TTL     string `envconfig:"CONVERSATION_TTL" default:"15m"`
	Analyst struct {
		MaxTurns int `envconfig:"CONVERSATION_ANALYST_MAX_TURNS" default:"5"`
	}
	Tools struct {
		MaxCalls int `envconfig:"CONVERSATION_TOOL_MAX_CALLS" default:"10"`
	}
}

type AnalystModelConfig struct {
	Model               string  `envconfig:"ANALYST_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens           int     `envconfig:"ANALYST_MAX_TOKENS" default:"2000"`
	Temperature         float32 `envconfig:"ANALYST_TEMPERATURE" default:"0.1"`
	DefaultStressors    string  `envconfig:"ANALYST_DEFAULT_STRESSORS" default:"academic:0.7, family:0.7, social:0.6, emotional:0.6, identity:0.5, career:0.5"`
	AdditionalStressors string  `envconfig:"ANALYST_ADDITIONAL_STRESSORS" default:"financial:0.4, health:0.5, relationship:0.6"`
	Approaches          string  `envconfig:"ANALYST_APPROACHES" default:"CBT, ACT, MBCT"`
}

type ResponseModelConfig struct {
	Model       string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONSE_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0.4"`
}

type ResponsePromptConfig struct {
	CompanionName string `envconfig:"PROMPT_COMPANION_NAME" default:"MindMate"`
	Audience      string `envconfig:"PROMPT_AUDIENCE" default:"Indian youth (ages 16-25)"`
}

type MemoryModelConfig struct {
	Model       string  `envconfig:"MEMORY_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"MEMORY_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"MEMORY_TEMPERATURE" default:"0.2"`
}

type MemoryConfig struct {
	TriggerEvery int    `envconfig:"MEMORY_TRIGGER_EVERY" default:"20"`
	Window       int    `envconfig:"MEMORY_WINDOW" default:"15"`
	MaxRetries   int    `envconfig:"MEMORY_MAX_RETRIES" default:"3"`
	RetryBase    string `envconfig:"MEMORY_RETRY_BASE" default:"2s"`
	RunTimeout   string `envconfig:"MEMORY_RUN_TIMEOUT" default:"90s"`
}

type SummaryConfig struct {
	MinNewMessages   int    `envconfig:"SUMMARY_MIN_NEW_MESSAGES" default:"10"`
	MinTotalMessages int    `envconfig:"SUMMARY_MIN_TOTAL_MESSAGES" default:"15"`
	MinChars         int    `envconfig:"SUMMARY_MIN_CHARS" default:"3000"`
	CacheTTL         string `envconfig:"SUMMARY_CACHE_TTL" default:"1h"`
}
