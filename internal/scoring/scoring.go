// Package scoring holds the weighted scoring model: the criterion weight
// table, the per-section band thresholds, the overall compliance-level
// thresholds, and the aggregator that folds section scores into one number.
// Everything here is pure and deterministic.
package scoring

import (
	"math"

	"github.com/avetel/proplens/pkg/models"
)

// weights is the fixed criterion weight table. It is process-wide, read-only
// configuration; the values sum to 1.0.
var weights = map[models.Criterion]float64{
	models.CriterionBudget:        0.15,
	models.CriterionTimeline:      0.12,
	models.CriterionTechnical:     0.15,
	models.CriterionTeam:          0.10,
	models.CriterionFunctional:    0.13,
	models.CriterionSecurity:      0.08,
	models.CriterionMethodology:   0.10,
	models.CriterionScalability:   0.07,
	models.CriterionCommunication: 0.05,
	models.CriterionValue:         0.05,
}

// Weight returns the weight for a criterion, or 0 for an unknown key.
func Weight(c models.Criterion) float64 {
	return weights[c]
}

// Weights returns a copy of the weight table.
func Weights() map[models.Criterion]float64 {
	out := make(map[models.Criterion]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}

// SectionBand maps a single section score to its quality band.
//
// Note: these cut points differ from the overall compliance-level table in
// ComplianceLevel. The two tables are intentionally distinct and must not be
// unified.
func SectionBand(score int) models.Band {
	switch {
	case score >= 85:
		return models.BandExcellent
	case score >= 70:
		return models.BandGood
	case score >= 55:
		return models.BandAverage
	case score >= 40:
		return models.BandPoor
	default:
		return models.BandCritical
	}
}

// ComplianceLevel maps an overall weighted score to its compliance level.
func ComplianceLevel(score int) models.Band {
	switch {
	case score >= 90:
		return models.BandExcellent
	case score >= 75:
		return models.BandGood
	case score >= 60:
		return models.BandAverage
	case score >= 40:
		return models.BandPoor
	default:
		return models.BandCritical
	}
}

// Aggregate computes the weighted overall score and compliance level for the
// sections present. Missing criteria simply drop out of the weighted mean, so
// a partial map still yields a bounded result. An empty map scores 0.
func Aggregate(sections map[models.Criterion]models.SectionResult) (int, models.Band) {
	var weightedSum, totalWeight float64
	for key, section := range sections {
		w := weights[key]
		if w == 0 {
			continue
		}
		weightedSum += w * float64(clampScore(section.Score))
		totalWeight += w
	}

	if totalWeight == 0 {
		return 0, ComplianceLevel(0)
	}

	overall := int(math.Round(weightedSum / totalWeight))
	overall = clampScore(overall)
	return overall, ComplianceLevel(overall)
}

// NormalizeSection clamps the score into [0,100], derives the band from the
// clamped score, and replaces nil collections with empty ones so consumers
// never see nulls.
func NormalizeSection(s models.SectionResult) models.SectionResult {
	s.Score = clampScore(s.Score)
	s.Status = SectionBand(s.Score)
	if s.KeyPoints == nil {
		s.KeyPoints = []string{}
	}
	if s.Recommendations == nil {
		s.Recommendations = []string{}
	}
	if s.Risks == nil {
		s.Risks = []string{}
	}
	if s.Opportunities == nil {
		s.Opportunities = []string{}
	}
	return s
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
