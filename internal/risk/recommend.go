package risk

var recommendations = map[Level][]string{
	LevelCritical: {
		"Immediate provider contact required",
		"Consider crisis intervention protocols",
		"Monitor patient closely",
		"Review safety planning",
	},
	LevelMedium: {
		"Schedule follow-up assessment",
		"Increase monitoring frequency",
		"Review treatment plan",
		"Consider additional support",
	},
	LevelLow: {
		"Continue current treatment",
		"Regular monitoring",
		"Watch for changes",
	},
	LevelMinimal: {
		"Routine care",
		"Standard monitoring",
	},
}

// Recommendations returns the provider guidance for a level. HIGH shares the
// CRITICAL list.
func Recommendations(l Level) []string {
	if l == LevelHigh {
		l = LevelCritical
	}
	rec, ok := recommendations[l]
	if !ok {
		rec = recommendations[LevelMinimal]
	}
	return append([]string(nil), rec...)
}
