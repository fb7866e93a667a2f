package config

// ApplyDefaults fills in every optional field that was left unset. Called by
// Load before validation; exported so tests can build configs without a file.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 10
	}

	if cfg.Analysis.MaxConcurrentSessions == 0 {
		cfg.Analysis.MaxConcurrentSessions = 8
	}
	if cfg.Analysis.SessionDeadlineSeconds == 0 {
		cfg.Analysis.SessionDeadlineSeconds = 600
	}
	if cfg.Analysis.StageDelayMs == 0 {
		cfg.Analysis.StageDelayMs = 150
	}
	if cfg.Analysis.SessionRetentionMinutes == 0 {
		cfg.Analysis.SessionRetentionMinutes = 60
	}
	if cfg.Analysis.HeartbeatIntervalSeconds == 0 {
		cfg.Analysis.HeartbeatIntervalSeconds = 15
	}

	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}
	for name, m := range cfg.Models {
		if m.Temperature == 0 {
			m.Temperature = 0.3
		}
		if m.TopP == 0 {
			m.TopP = 1.0
		}
		if m.MaxOutputTokens == 0 {
			m.MaxOutputTokens = 4096
		}
		if m.RateLimitPerMinute == 0 {
			m.RateLimitPerMinute = 60
		}
		if m.MaxAttempts == 0 {
			m.MaxAttempts = 3
		}
		if m.AttemptTimeoutSeconds == 0 {
			m.AttemptTimeoutSeconds = 60
		}
		if m.OverallDeadlineSeconds == 0 {
			m.OverallDeadlineSeconds = 240
		}
		if m.BaseBackoffMs == 0 {
			m.BaseBackoffMs = 2000
		}
		if m.MaxBackoffSeconds == 0 {
			m.MaxBackoffSeconds = 30
		}
		cfg.Models[name] = m
	}

	if cfg.PromptTemplates.PrescanSystem == "" {
		cfg.PromptTemplates.PrescanSystem = defaultPrescanSystemPrompt
	}
	if cfg.PromptTemplates.Prescan == "" {
		cfg.PromptTemplates.Prescan = defaultPrescanTemplate
	}
	if cfg.PromptTemplates.SectionSystem == "" {
		cfg.PromptTemplates.SectionSystem = defaultSectionSystemPrompt
	}
	if cfg.PromptTemplates.Section == "" {
		cfg.PromptTemplates.Section = defaultSectionTemplate
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

const defaultPrescanSystemPrompt = `You are an expert analyst of commercial real-estate development proposals. You read proposals submitted in response to technical specifications and extract their structure precisely. You always answer with valid JSON and nothing else.`

const defaultPrescanTemplate = `Analyze the structure of the following commercial proposal.

PROPOSAL:
{{.Document}}

Identify the document type, summarize it in 2-3 sentences, list the explicit requirements it responds to, and list its major sections.

Return ONLY a valid JSON object (no markdown, no extra text):
{"documentKind": "...", "summary": "...", "requirements": ["..."], "sections": ["..."]}`

const defaultSectionSystemPrompt = `You are an expert evaluator of commercial real-estate proposals. You score one evaluation criterion at a time against the technical specification, strictly and consistently. You always answer with valid JSON and nothing else.`

const defaultSectionTemplate = `Evaluate the following commercial proposal on a single criterion: {{.Criterion}} ({{.Guidance}}).

CONTEXT FROM EARLIER ANALYSIS:
{{.Context}}

PROPOSAL:
{{.Document}}

Score the criterion from 0 to 100 and justify it. Be specific: cite concrete figures, commitments, and gaps from the proposal.

Return ONLY a valid JSON object (no markdown, no extra text):
{"score": 0, "summary": "...", "details": "...", "keyPoints": ["..."], "recommendations": ["..."], "risks": ["..."], "opportunities": ["..."]}`
