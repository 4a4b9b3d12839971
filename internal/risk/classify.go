package risk

// Classification thresholds, inclusive on the lower bound.
const (
	LegitimateThreshold = 75
	SuspiciousThreshold = 50
)

// Classify maps a calibrated score to its status and action.
func Classify(score int) (RiskStatus, RecommendedAction) {
	switch {
	case score >= LegitimateThreshold:
		return StatusLegitimate, ActionAllow
	case score >= SuspiciousThreshold:
		return StatusSuspicious, ActionStepUpAuth
	default:
		return StatusHighRisk, ActionBlock
	}
}
