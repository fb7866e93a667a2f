// Package pipeline drives one analysis run through its ordered stages: a
// structural pre-scan, one evaluation stage per criterion, and a final
// compilation that aggregates the weighted score. Exactly one worker owns a
// session; every stage transition is written to the registry and mirrored to
// live observers.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avetel/proplens/internal/config"
	"github.com/avetel/proplens/internal/gateway"
	"github.com/avetel/proplens/internal/heuristic"
	"github.com/avetel/proplens/internal/metrics"
	"github.com/avetel/proplens/internal/scoring"
	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/internal/stream"
	"github.com/avetel/proplens/internal/util"
	"github.com/avetel/proplens/pkg/models"
)

const (
	// StagePrescan and StageCompile frame the ten criterion stages.
	StagePrescan = "prescan"
	StageCompile = "compile"

	// Progress allocation: the pre-scan accounts for the first slice, each
	// criterion for an equal share of the middle, compilation for the rest.
	prescanProgress   = 10
	criterionProgress = 8 // x10 criteria = 80

	// maxDocRunes bounds how much document text goes into a prompt.
	maxDocRunes = 24000
	// digest truncation limits keep prior-stage context small.
	digestSummaryRunes = 160
	prescanDigestRunes = 300
)

// criterionGuidance is the one-line evaluation focus injected into each
// criterion prompt.
var criterionGuidance = map[models.Criterion]string{
	models.CriterionBudget:        "cost realism, price transparency, and financial planning",
	models.CriterionTimeline:      "schedule realism, milestones, and delivery commitments",
	models.CriterionTechnical:     "engineering quality and conformance to the technical specification",
	models.CriterionTeam:          "team composition, track record, and relevant experience",
	models.CriterionFunctional:    "coverage of the stated functional requirements",
	models.CriterionSecurity:      "safety, security, permits, and regulatory compliance",
	models.CriterionMethodology:   "delivery methodology, quality assurance, and supervision",
	models.CriterionScalability:   "capacity for future expansion and adaptability",
	models.CriterionCommunication: "reporting, coordination, and stakeholder communication",
	models.CriterionValue:         "overall value for money across the asset lifecycle",
}

// Completer is the gateway surface the pipeline depends on. Tests substitute
// a scripted implementation.
type Completer interface {
	Complete(ctx context.Context, spec gateway.PromptSpec, budget gateway.Budget) (*gateway.CompletionResult, error)
	BudgetForStage(spec gateway.PromptSpec) gateway.Budget
}

// Pipeline executes analysis runs.
type Pipeline struct {
	cfg      *config.Config
	gw       Completer
	registry *session.Registry
	hub      *stream.Hub
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// New creates a pipeline.
func New(
	cfg *config.Config,
	gw Completer,
	registry *session.Registry,
	hub *stream.Hub,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		gw:       gw,
		registry: registry,
		hub:      hub,
		metrics:  collector,
		logger:   logger.With("component", "pipeline"),
	}
}

// Run executes the full stage sequence for one session. It never returns an
// error: every outcome, including internal failure, lands in the registry.
// The context carries the per-session deadline and cancellation; both are
// honored between stages and inside gateway calls.
func (p *Pipeline) Run(ctx context.Context, sessionID, documentText string, opts models.AnalysisOptions) {
	start := time.Now()
	logger := p.logger.With("session_id", sessionID)

	p.metrics.SessionStarted()
	finished := string(models.StatusFailed)
	defer func() { p.metrics.SessionFinished(finished) }()

	doc := strings.TrimSpace(documentText)
	if doc == "" {
		p.fail(sessionID, "", "document text is empty")
		return
	}
	doc = util.TruncateString(doc, maxDocRunes)

	logger.Info("analysis started",
		"document_runes", len([]rune(doc)),
		"model", opts.Model,
		"title", opts.Title)

	p.report(sessionID, StagePrescan, 0, "Scanning document structure")

	prescan, err := p.runPrescan(ctx, doc, opts)
	if err != nil {
		p.fail(sessionID, StagePrescan, err.Error())
		return
	}
	p.report(sessionID, StagePrescan, prescanProgress, "Document structure analyzed")

	digest := newDigest(prescan)
	sections := make(map[models.Criterion]models.SectionResult, len(models.Criteria()))
	var fallbackKeys []models.Criterion
	var modelName string

	for i, criterion := range models.Criteria() {
		if err := p.pause(ctx, opts); err != nil {
			p.fail(sessionID, string(criterion), err.Error())
			return
		}

		stageStart := time.Now()
		sectionResult, res, err := p.runSection(ctx, doc, criterion, digest, opts)
		if err != nil {
			p.fail(sessionID, string(criterion), err.Error())
			return
		}
		p.metrics.RecordStage(string(criterion), time.Since(stageStart))

		sections[criterion] = sectionResult
		if res.Fallback {
			fallbackKeys = append(fallbackKeys, criterion)
		}
		modelName = res.Model
		digest.addSection(sectionResult)

		progress := prescanProgress + criterionProgress*(i+1)
		p.report(sessionID, string(criterion), progress,
			fmt.Sprintf("Evaluated %s (%d/%d)", criterion, i+1, len(models.Criteria())))
	}

	if err := p.pause(ctx, opts); err != nil {
		p.fail(sessionID, StageCompile, err.Error())
		return
	}

	overall, level := scoring.Aggregate(sections)
	result := &models.AnalysisResult{
		DocumentTitle:    opts.Title,
		OverallScore:     overall,
		ComplianceLevel:  level,
		Prescan:          prescan,
		Sections:         sections,
		FallbackSections: fallbackKeys,
		Model:            modelName,
		CompletedAt:      time.Now(),
		Duration:         time.Since(start),
	}

	p.complete(sessionID, result)
	finished = string(models.StatusCompleted)

	logger.Info("analysis completed",
		"overall_score", overall,
		"compliance_level", level,
		"fallback_sections", len(fallbackKeys),
		"duration", result.Duration)
}

func (p *Pipeline) runPrescan(ctx context.Context, doc string, opts models.AnalysisOptions) (*models.PrescanResult, error) {
	user, err := util.RenderTemplate(p.cfg.PromptTemplates.Prescan, map[string]any{
		"Document": doc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render prescan prompt: %w", err)
	}

	spec := gateway.PromptSpec{
		Stage:    StagePrescan,
		System:   p.cfg.PromptTemplates.PrescanSystem,
		User:     user,
		Model:    opts.Model,
		Validate: validatePrescanPayload,
		Fallback: func() ([]byte, error) {
			return json.Marshal(heuristic.Prescan(doc))
		},
	}

	res, err := p.gw.Complete(ctx, spec, p.gw.BudgetForStage(spec))
	if err != nil {
		return nil, err
	}

	var prescan models.PrescanResult
	if err := json.Unmarshal(res.Payload, &prescan); err != nil {
		return nil, fmt.Errorf("prescan payload violated its contract: %w", err)
	}
	prescan.AIGenerated = !res.Fallback
	if prescan.Requirements == nil {
		prescan.Requirements = []string{}
	}
	if prescan.Sections == nil {
		prescan.Sections = []string{}
	}
	return &prescan, nil
}

func (p *Pipeline) runSection(
	ctx context.Context,
	doc string,
	criterion models.Criterion,
	digest *contextDigest,
	opts models.AnalysisOptions,
) (models.SectionResult, *gateway.CompletionResult, error) {
	user, err := util.RenderTemplate(p.cfg.PromptTemplates.Section, map[string]any{
		"Criterion": string(criterion),
		"Guidance":  criterionGuidance[criterion],
		"Context":   digest.String(),
		"Document":  doc,
	})
	if err != nil {
		return models.SectionResult{}, nil, fmt.Errorf("failed to render %s prompt: %w", criterion, err)
	}

	spec := gateway.PromptSpec{
		Stage:    string(criterion),
		System:   p.cfg.PromptTemplates.SectionSystem,
		User:     user,
		Model:    opts.Model,
		Validate: validateSectionPayload,
		Fallback: func() ([]byte, error) {
			return json.Marshal(heuristic.Section(doc, criterion))
		},
	}

	res, err := p.gw.Complete(ctx, spec, p.gw.BudgetForStage(spec))
	if err != nil {
		return models.SectionResult{}, nil, err
	}

	var sectionResult models.SectionResult
	if err := json.Unmarshal(res.Payload, &sectionResult); err != nil {
		return models.SectionResult{}, nil, fmt.Errorf("%s payload violated its contract: %w", criterion, err)
	}
	sectionResult.Key = criterion
	sectionResult.AIGenerated = !res.Fallback
	return scoring.NormalizeSection(sectionResult), res, nil
}

// pause applies the inter-stage pacing delay and doubles as the cancellation
// checkpoint between stages.
func (p *Pipeline) pause(ctx context.Context, opts models.AnalysisOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("analysis aborted: %w", err)
	}

	delay := p.cfg.Analysis.StageDelay()
	if opts.StageDelayMs > 0 {
		delay = time.Duration(opts.StageDelayMs) * time.Millisecond
	}
	if delay <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("analysis aborted: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

func (p *Pipeline) report(sessionID, stage string, progress int, message string) {
	err := p.registry.Update(sessionID, session.Patch{
		Status:   models.StatusRunning,
		Stage:    stage,
		Progress: progress,
		Message:  message,
	})
	if err != nil {
		p.logger.Error("failed to update session", "session_id", sessionID, "error", err)
		return
	}
	p.hub.Notify(sessionID, models.Event{
		Type:     models.EventProgress,
		Stage:    stage,
		Progress: progress,
		Message:  message,
	})
}

func (p *Pipeline) complete(sessionID string, result *models.AnalysisResult) {
	err := p.registry.Update(sessionID, session.Patch{
		Status:   models.StatusCompleted,
		Stage:    StageCompile,
		Progress: 100,
		Message:  "Analysis completed",
		Result:   result,
	})
	if err != nil {
		p.logger.Error("failed to complete session", "session_id", sessionID, "error", err)
		return
	}
	p.hub.Notify(sessionID, models.Event{
		Type:     models.EventCompleted,
		Stage:    StageCompile,
		Progress: 100,
		Message:  "Analysis completed",
		Result:   result,
	})
}

func (p *Pipeline) fail(sessionID, stage, reason string) {
	p.logger.Error("analysis failed", "session_id", sessionID, "stage", stage, "reason", reason)
	err := p.registry.Update(sessionID, session.Patch{
		Status:   models.StatusFailed,
		Stage:    stage,
		Progress: 100,
		Message:  "Analysis failed",
		Error:    reason,
	})
	if err != nil {
		p.logger.Error("failed to mark session failed", "session_id", sessionID, "error", err)
		return
	}
	p.hub.Notify(sessionID, models.Event{
		Type:     models.EventError,
		Stage:    stage,
		Progress: 100,
		Error:    reason,
	})
}

// validateSectionPayload is the wire contract for criterion stages: a JSON
// object with a numeric score and a non-empty summary.
func validateSectionPayload(payload []byte) error {
	var probe struct {
		Score   *float64 `json:"score"`
		Summary string   `json:"summary"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return err
	}
	if probe.Score == nil {
		return fmt.Errorf("missing score")
	}
	if probe.Summary == "" {
		return fmt.Errorf("missing summary")
	}
	return nil
}

func validatePrescanPayload(payload []byte) error {
	var probe struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return err
	}
	if probe.Summary == "" {
		return fmt.Errorf("missing summary")
	}
	return nil
}

// contextDigest is the condensed record of prior-stage outputs embedded into
// later prompts. Deliberately lossy: one truncated line per section.
type contextDigest struct {
	b strings.Builder
}

func newDigest(prescan *models.PrescanResult) *contextDigest {
	d := &contextDigest{}
	if prescan != nil && prescan.Summary != "" {
		d.b.WriteString("Document overview: ")
		d.b.WriteString(util.TruncateString(prescan.Summary, prescanDigestRunes))
		d.b.WriteString("\n")
	}
	return d
}

func (d *contextDigest) addSection(s models.SectionResult) {
	fmt.Fprintf(&d.b, "%s: %d/100, %s\n", s.Key, s.Score, util.TruncateString(s.Summary, digestSummaryRunes))
}

func (d *contextDigest) String() string {
	if d.b.Len() == 0 {
		return "(none yet)"
	}
	return d.b.String()
}
