package chart

// Defaults returns a fresh copy of the built-in payload for kind, or nil for
// an unknown kind.
func Defaults(kind Kind) Payload {
	switch kind {
	case KindDuration:
		return DefaultDurations()
	case KindSadPath:
		return DefaultFailures()
	}
	return nil
}

// DefaultDurations is the built-in call duration trend: ten hourly samples
// from 9:00 to 18:00 totalling 3089 seconds.
func DefaultDurations() DurationSeries {
	return DurationSeries{
		{Label: "9:00", Seconds: 245},
		{Label: "10:00", Seconds: 312},
		{Label: "11:00", Seconds: 198},
		{Label: "12:00", Seconds: 567},
		{Label: "13:00", Seconds: 423},
		{Label: "14:00", Seconds: 389},
		{Label: "15:00", Seconds: 298},
		{Label: "16:00", Seconds: 245},
		{Label: "17:00", Seconds: 234},
		{Label: "18:00", Seconds: 178},
	}
}

// DefaultFailures is the built-in sad path breakdown.
func DefaultFailures() FailureBreakdown {
	return FailureBreakdown{
		{Label: "User refused to confirm identity", Percentage: 35, ColorHint: "#EF4444"},
		{Label: "Caller Identification", Percentage: 28, ColorHint: "#F97316"},
		{Label: "Incorrect caller identity", Percentage: 15, ColorHint: "#EAB308"},
		{Label: "Verbal Aggression", Percentage: 12, ColorHint: "#84CC16"},
		{Label: "Customer Hostility", Percentage: 8, ColorHint: "#06B6D4"},
		{Label: "Assistant did not speak French", Percentage: 6, ColorHint: "#8B5CF6"},
		{Label: "Unsupported Language", Percentage: 4, ColorHint: "#EC4899"},
		{Label: "Assistant did not speak Spanish", Percentage: 3, ColorHint: "#10B981"},
	}
}
