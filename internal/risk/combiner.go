package risk

// Fixed ensemble weights. They are not configurable.
const (
	weightML   = 0.7
	weightRule = 0.3
)

// Combined is the hybrid result.
type Combined struct {
	Level      Level      `json:"risk_level"`
	Score      float64    `json:"score"`
	Confidence Confidence `json:"confidence"`
}

// Combine blends the rule and model scores. Without a model the rule score
// is used unchanged and the confidence is RULE_ONLY.
func Combine(rule RuleResult, ml MLOutcome) Combined {
	if !ml.Available() {
		return Combined{
			Level:      LevelForScore(rule.Score),
			Score:      rule.Score,
			Confidence: ConfidenceRuleOnly,
		}
	}
	score := weightML*ml.Probability + weightRule*rule.Score
	return Combined{
		Level:      LevelForScore(score),
		Score:      score,
		Confidence: agreementConfidence(ml.Probability, rule.Score),
	}
}
