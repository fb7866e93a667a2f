package models

import "time"

// Status describes where an analysis session is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Criterion identifies one of the fixed evaluation criteria a proposal is
// scored against.
type Criterion string

const (
	CriterionBudget        Criterion = "budget"
	CriterionTimeline      Criterion = "timeline"
	CriterionTechnical     Criterion = "technical"
	CriterionTeam          Criterion = "team"
	CriterionFunctional    Criterion = "functional"
	CriterionSecurity      Criterion = "security"
	CriterionMethodology   Criterion = "methodology"
	CriterionScalability   Criterion = "scalability"
	CriterionCommunication Criterion = "communication"
	CriterionValue         Criterion = "value"
)

// Criteria returns every criterion in evaluation order. The order is fixed:
// the pipeline walks it stage by stage and progress allocation depends on it.
func Criteria() []Criterion {
	return []Criterion{
		CriterionBudget,
		CriterionTimeline,
		CriterionTechnical,
		CriterionTeam,
		CriterionFunctional,
		CriterionSecurity,
		CriterionMethodology,
		CriterionScalability,
		CriterionCommunication,
		CriterionValue,
	}
}

// Band is a discrete quality classification. The same value set is used for
// per-section bands and the overall compliance level, but the two are derived
// from different threshold tables (see the scoring package).
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandAverage   Band = "average"
	BandPoor      Band = "poor"
	BandCritical  Band = "critical"
)

// SectionResult is the outcome of evaluating one criterion. Narrative fields
// are never nil: absent values come back as empty strings or empty slices.
type SectionResult struct {
	Key             Criterion `json:"key"`
	Score           int       `json:"score"`
	Status          Band      `json:"status"`
	Summary         string    `json:"summary"`
	Details         string    `json:"details"`
	KeyPoints       []string  `json:"keyPoints"`
	Recommendations []string  `json:"recommendations"`
	Risks           []string  `json:"risks"`
	Opportunities   []string  `json:"opportunities"`
	AIGenerated     bool      `json:"aiGenerated"`
}

// PrescanResult is the structural pre-scan emitted by the first pipeline
// stage. Later stages embed its summary as shared context.
type PrescanResult struct {
	DocumentKind string   `json:"documentKind"`
	Summary      string   `json:"summary"`
	Requirements []string `json:"requirements"`
	Sections     []string `json:"sections"`
	AIGenerated  bool     `json:"aiGenerated"`
}

// AnalysisResult is the final compiled output of a completed run.
type AnalysisResult struct {
	DocumentTitle    string                      `json:"documentTitle,omitempty"`
	OverallScore     int                         `json:"overallScore"`
	ComplianceLevel  Band                        `json:"complianceLevel"`
	Prescan          *PrescanResult              `json:"prescan,omitempty"`
	Sections         map[Criterion]SectionResult `json:"sections"`
	FallbackSections []Criterion                 `json:"fallbackSections,omitempty"`
	Model            string                      `json:"model,omitempty"`
	CompletedAt      time.Time                   `json:"completedAt"`
	Duration         time.Duration               `json:"duration"`
}

// AnalysisOptions are caller-supplied knobs for one run.
type AnalysisOptions struct {
	Title string `json:"title,omitempty"`
	Model string `json:"model,omitempty"`
	// StageDelayMs overrides the configured pacing delay between stages.
	// Zero means "use the configured default".
	StageDelayMs int `json:"stageDelayMs,omitempty"`
}

// AnalysisSession is one run of the pipeline. Exactly one of Result/Error is
// populated once Status leaves running, and Progress never decreases.
type AnalysisSession struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Stage     string          `json:"stage,omitempty"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	StartedAt time.Time       `json:"startedAt"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Clone returns a deep enough copy for handing out to concurrent readers.
// Section values are plain data and safe to share once published, so the
// copy stops at the map level.
func (s *AnalysisSession) Clone() *AnalysisSession {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Result != nil {
		res := *s.Result
		if s.Result.Sections != nil {
			res.Sections = make(map[Criterion]SectionResult, len(s.Result.Sections))
			for k, v := range s.Result.Sections {
				res.Sections[k] = v
			}
		}
		if s.Result.FallbackSections != nil {
			res.FallbackSections = append([]Criterion(nil), s.Result.FallbackSections...)
		}
		if s.Result.Prescan != nil {
			ps := *s.Result.Prescan
			res.Prescan = &ps
		}
		cp.Result = &res
	}
	return &cp
}

// EventType tags a broadcast event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// Event is a single message pushed to live observers of a session.
// Heartbeats carry no payload beyond the type.
type Event struct {
	Type     EventType       `json:"type"`
	Stage    string          `json:"stage,omitempty"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Result   *AnalysisResult `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}
