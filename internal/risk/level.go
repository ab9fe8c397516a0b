package risk

import "math"

// Level is a discretized risk band shared by the rule, model and combined
// outputs.
type Level string

const (
	LevelMinimal  Level = "MINIMAL"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	LevelMinimal: 0, LevelLow: 1, LevelMedium: 2, LevelHigh: 3, LevelCritical: 4,
}

// Rank orders levels from MINIMAL (0) to CRITICAL (4).
func (l Level) Rank() int {
	return levelRank[l]
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// tolerance absorbs float error at band edges, so 0.7*0.85+0.3*0.5 lands in
// the same band on every platform.
const tolerance = 1e-9

type probabilityBand struct {
	min   float64
	level Level
}

// probabilityBands is checked top down.
var probabilityBands = []probabilityBand{
	{0.8, LevelCritical},
	{0.6, LevelHigh},
	{0.4, LevelMedium},
	{0.2, LevelLow},
}

// LevelForScore maps a probability or combined score in [0,1] to a level.
func LevelForScore(p float64) Level {
	for _, b := range probabilityBands {
		if p >= b.min-tolerance {
			return b.level
		}
	}
	return LevelMinimal
}

// Confidence labels how much the result can be trusted.
type Confidence string

const (
	ConfidenceHigh     Confidence = "HIGH"
	ConfidenceMedium   Confidence = "MEDIUM"
	ConfidenceLow      Confidence = "LOW"
	ConfidenceRuleOnly Confidence = "RULE_ONLY"
)

// Lower drops the confidence one step. LOW and RULE_ONLY are unchanged.
func (c Confidence) Lower() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	}
	return c
}

// probabilityConfidence is how decisive a single model probability is.
func probabilityConfidence(p float64) Confidence {
	switch {
	case p >= 0.9-tolerance || p <= 0.1+tolerance:
		return ConfidenceHigh
	case p >= 0.7-tolerance || p <= 0.3+tolerance:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

// agreementConfidence compares the model and rule scores.
func agreementConfidence(ml, rule float64) Confidence {
	diff := math.Abs(ml - rule)
	switch {
	case diff <= 0.1+tolerance:
		return ConfidenceHigh
	case diff <= 0.3+tolerance:
		return ConfidenceMedium
	}
	return ConfidenceLow
}
