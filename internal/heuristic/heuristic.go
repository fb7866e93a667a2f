// Package heuristic produces deterministic, non-AI evaluations of a proposal
// by scanning the raw text for criterion-specific coverage. The gateway falls
// back to it when the completion service is unavailable, so its output shape
// is exactly the shape the model-backed path produces; only the AIGenerated
// tag tells them apart.
package heuristic

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/avetel/proplens/internal/scoring"
	"github.com/avetel/proplens/pkg/models"
)

// topics lists, per criterion, the subject matter a solid proposal is
// expected to touch. Scores scale with how many topics the text covers.
var topics = map[models.Criterion][]string{
	models.CriterionBudget: {
		"budget", "cost", "price", "payment", "financing", "estimate", "contingency", "vat",
	},
	models.CriterionTimeline: {
		"schedule", "timeline", "milestone", "deadline", "phase", "duration", "completion", "handover",
	},
	models.CriterionTechnical: {
		"foundation", "structural", "materials", "engineering", "construction", "hvac", "utilities", "load",
	},
	models.CriterionTeam: {
		"team", "experience", "architect", "engineer", "contractor", "portfolio", "qualification", "reference",
	},
	models.CriterionFunctional: {
		"requirement", "scope", "deliverable", "layout", "floor area", "zoning", "compliance", "coverage",
	},
	models.CriterionSecurity: {
		"safety", "security", "fire", "access control", "surveillance", "insurance", "certification", "permit",
	},
	models.CriterionMethodology: {
		"methodology", "process", "quality", "inspection", "standard", "procedure", "supervision", "reporting",
	},
	models.CriterionScalability: {
		"expansion", "scalability", "capacity", "modular", "flexibility", "future", "growth", "adaptable",
	},
	models.CriterionCommunication: {
		"communication", "meeting", "report", "contact", "escalation", "stakeholder", "coordination", "update",
	},
	models.CriterionValue: {
		"value", "warranty", "maintenance", "efficiency", "sustainability", "savings", "lifecycle", "guarantee",
	},
}

const (
	baseScore     = 30
	coverageSpan  = 55 // full topic coverage adds this many points
	substanceBody = 2000
	substanceBump = 5
)

// Section produces a heuristic evaluation of one criterion. Deterministic:
// the same document always yields the same result.
func Section(doc string, c models.Criterion) models.SectionResult {
	lower := strings.ToLower(doc)

	var matched, missing []string
	for _, topic := range topics[c] {
		if strings.Contains(lower, topic) {
			matched = append(matched, topic)
		} else {
			missing = append(missing, topic)
		}
	}

	score := baseScore
	if total := len(topics[c]); total > 0 {
		score += coverageSpan * len(matched) / total
	}
	// A proposal with real body text earns a small substance bump.
	if len(doc) >= substanceBody {
		score += substanceBump
	}

	section := models.SectionResult{
		Key:   c,
		Score: score,
		Summary: fmt.Sprintf("Automated keyword assessment of %s: %d of %d expected topics are addressed.",
			c, len(matched), len(topics[c])),
		Details: "This evaluation was produced by offline text analysis because the AI evaluation " +
			"service was unavailable. Treat the score as an approximation and re-run the analysis " +
			"for a full assessment.",
		AIGenerated: false,
	}

	for _, topic := range capList(matched, 5) {
		section.KeyPoints = append(section.KeyPoints, fmt.Sprintf("The proposal addresses %q.", topic))
	}
	for _, topic := range capList(missing, 3) {
		section.Risks = append(section.Risks, fmt.Sprintf("No explicit coverage of %q was found.", topic))
		section.Recommendations = append(section.Recommendations, fmt.Sprintf("Request details on %q from the bidder.", topic))
	}

	return scoring.NormalizeSection(section)
}

// Prescan produces a structural pre-scan without the model: a leading-text
// summary, bullet-style lines as requirements, and heading-like lines as
// sections.
func Prescan(doc string) models.PrescanResult {
	result := models.PrescanResult{
		DocumentKind: "commercial proposal",
		Summary:      summarize(doc, 240),
		Requirements: []string{},
		Sections:     []string{},
		AIGenerated:  false,
	}

	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch {
		case isBullet(trimmed):
			if len(result.Requirements) < 10 {
				// The bullet marker may be multi-byte (•), so strip one rune.
				_, width := utf8.DecodeRuneInString(trimmed)
				result.Requirements = append(result.Requirements, strings.TrimSpace(trimmed[width:]))
			}
		case isHeading(trimmed):
			if len(result.Sections) < 10 {
				result.Sections = append(result.Sections, trimmed)
			}
		}
	}

	return result
}

func summarize(doc string, maxRunes int) string {
	collapsed := strings.Join(strings.Fields(doc), " ")
	runes := []rune(collapsed)
	if len(runes) <= maxRunes {
		return collapsed
	}
	return string(runes[:maxRunes]) + "..."
}

func isBullet(line string) bool {
	return strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "•")
}

// isHeading treats short lines without terminal punctuation that start with
// an uppercase letter or a digit (numbered headings) as section titles.
func isHeading(line string) bool {
	if len(line) > 80 || strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") {
		return false
	}
	runes := []rune(line)
	return unicode.IsUpper(runes[0]) || unicode.IsDigit(runes[0])
}

func capList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
