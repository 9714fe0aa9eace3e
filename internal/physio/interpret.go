package physio

import (
	"time"
)

// Regulation describes overall physiological regulation.
type Regulation string

const (
	Regulated    Regulation = "regulated"
	Strained     Regulation = "strained"
	Dysregulated Regulation = "dysregulated"
)

// Rank orders regulation states from regulated (0) to dysregulated (2).
func (r Regulation) Rank() int {
	switch r {
	case Strained:
		return 1
	case Dysregulated:
		return 2
	}
	return 0
}

// BreathingPattern classifies breathing.
type BreathingPattern string

const (
	BreathingShallow   BreathingPattern = "shallow"
	BreathingIrregular BreathingPattern = "irregular"
	BreathingRegular   BreathingPattern = "regular"
)

// Direction is the first-to-last movement of a signal across the window.
type Direction string

const (
	Increasing Direction = "increasing"
	Decreasing Direction = "decreasing"
	Stable     Direction = "stable"
)

// Trend statuses.
const (
	TrendAnalyzed         = "analyzed"
	TrendInsufficientData = "insufficient_data"
)

// Stress indicator labels.
const (
	IndicatorBlinkSuppression      = "blink suppression"
	IndicatorJawTension            = "jaw tension"
	IndicatorShallowBreathing      = "shallow breathing"
	IndicatorElevatedBreathingRate = "elevated breathing rate"
	IndicatorFacialRigidity        = "facial rigidity"
)

// Trend summarizes recent movement of blink rate and jaw tension.
type Trend struct {
	Status          string    `json:"trend" yaml:"trend"`
	BlinkRate       Direction `json:"blink_rate_trend,omitempty" yaml:"blink_rate_trend,omitempty"`
	JawTension      Direction `json:"jaw_tension_trend,omitempty" yaml:"jaw_tension_trend,omitempty"`
	SamplesAnalyzed int       `json:"samples_analyzed,omitempty" yaml:"samples_analyzed,omitempty"`
}

// State is the interpretation of one sample against its recent history.
// It is never mutated, only superseded by the next interpretation.
type State struct {
	ArousalLevel     Level            `json:"arousal_level" yaml:"arousal_level"`
	CognitiveLoad    Level            `json:"cognitive_load" yaml:"cognitive_load"`
	RegulationState  Regulation       `json:"regulation_state" yaml:"regulation_state"`
	Confidence       float64          `json:"confidence" yaml:"confidence"`
	BreathingPattern BreathingPattern `json:"breathing_pattern" yaml:"breathing_pattern"`
	StressIndicators []string         `json:"stress_indicators" yaml:"stress_indicators"`
	Trend            Trend            `json:"temporal_context" yaml:"temporal_context"`
	SampledAt        time.Time        `json:"sampled_at" yaml:"sampled_at"`
}

// Interpreter holds the tunables of the heuristics.
type Interpreter struct {
	Freshness   time.Duration // Samples older than this lose confidence
	TrendWindow int           // Samples considered for trends
}

// DefaultFreshness is the sample age beyond which confidence is reduced.
const DefaultFreshness = 5 * time.Second

// NewInterpreter creates an Interpreter. Non-positive values use defaults.
func NewInterpreter(freshness time.Duration, trendWindow int) *Interpreter {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if trendWindow < 1 {
		trendWindow = DefaultWindowSize
	}
	return &Interpreter{Freshness: freshness, TrendWindow: trendWindow}
}

var defaultInterpreter = NewInterpreter(DefaultFreshness, DefaultWindowSize)

// Interpret uses the default freshness and trend window.
func Interpret(sample Sample, history []Sample, now time.Time) State {
	return defaultInterpreter.Interpret(sample, history, now)
}

// Interpret derives the state for sample. history holds the prior samples,
// oldest first, and is not modified. The result depends only on the
// arguments.
func (in *Interpreter) Interpret(sample Sample, history []Sample, now time.Time) State {
	return State{
		ArousalLevel:     arousal(sample),
		CognitiveLoad:    cognitiveLoad(sample),
		RegulationState:  regulation(sample),
		Confidence:       in.confidence(sample, now),
		BreathingPattern: breathingPattern(sample),
		StressIndicators: stressIndicators(sample),
		Trend:            in.trend(sample, history),
		SampledAt:        sample.Timestamp,
	}
}

func arousal(s Sample) Level {
	signals := 0

	// Blink suppression
	if s.BlinkRate < 10 {
		signals += 2
	} else if s.BlinkRate < 15 {
		signals++
	}

	if s.JawTension > 0.7 {
		signals += 2
	} else if s.JawTension > 0.5 {
		signals++
	}

	if s.HeadMotion == LevelHigh {
		signals++
	}

	if s.BreathingRate > 25 || s.BreathingRate < 12 {
		signals++
	}

	switch {
	case signals >= 4:
		return LevelHigh
	case signals >= 2:
		return LevelMedium
	default:
		return LevelLow
	}
}

func cognitiveLoad(s Sample) Level {
	signals := 0

	// Facial rigidity
	if s.FacialVariance < 0.02 {
		signals += 2
	} else if s.FacialVariance < 0.05 {
		signals++
	}

	if s.BlinkRate < 10 {
		signals++
	}

	// Stillness
	if s.HeadMotion == LevelLow {
		signals++
	}

	switch {
	case signals >= 3:
		return LevelHigh
	case signals >= 1:
		return LevelMedium
	default:
		return LevelLow
	}
}

func irregularBreathing(s Sample) bool {
	return s.BreathingAmplitude == LevelLow || s.BreathingRate < 10 || s.BreathingRate > 30
}

func regulation(s Sample) Regulation {
	signals := 0

	if irregularBreathing(s) {
		signals++
	}
	if s.JawTension > 0.7 {
		signals++
	}
	if s.FacialVariance < 0.02 {
		signals++
	}
	if s.BlinkRate < 8 {
		signals++
	}

	switch {
	case signals >= 3:
		return Dysregulated
	case signals >= 1:
		return Strained
	default:
		return Regulated
	}
}

// confidence is computed in tenths so equal inputs give bit-identical results.
func (in *Interpreter) confidence(s Sample, now time.Time) float64 {
	tenths := 10 - s.MissingRequired()

	if s.EARMean < 0.1 || s.EARMean > 0.5 {
		tenths -= 2
	}
	if now.Sub(s.Timestamp) > in.Freshness {
		tenths -= 2
	}

	if tenths < 0 {
		tenths = 0
	}
	return float64(tenths) / 10
}

func breathingPattern(s Sample) BreathingPattern {
	switch {
	case s.BreathingAmplitude == LevelLow:
		return BreathingShallow
	case s.BreathingRate < 10 || s.BreathingRate > 30:
		return BreathingIrregular
	default:
		return BreathingRegular
	}
}

func stressIndicators(s Sample) []string {
	indicators := []string{}

	if s.BlinkRate < 10 {
		indicators = append(indicators, IndicatorBlinkSuppression)
	}
	if s.JawTension > 0.7 {
		indicators = append(indicators, IndicatorJawTension)
	}
	if s.BreathingAmplitude == LevelLow {
		indicators = append(indicators, IndicatorShallowBreathing)
	}
	if s.BreathingRate > 25 {
		indicators = append(indicators, IndicatorElevatedBreathingRate)
	}
	if s.FacialVariance < 0.02 {
		indicators = append(indicators, IndicatorFacialRigidity)
	}

	return indicators
}

// trend compares the first and last values of each signal over the last
// TrendWindow samples, the current one included. Samples that did not carry
// a signal are skipped for that signal.
func (in *Interpreter) trend(current Sample, history []Sample) Trend {
	all := make([]Sample, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, current)
	if len(all) < 2 {
		return Trend{Status: TrendInsufficientData}
	}
	if len(all) > in.TrendWindow {
		all = all[len(all)-in.TrendWindow:]
	}

	var blinks, jaws []float64
	for _, s := range all {
		if s.Has(FieldBlinkRate) {
			blinks = append(blinks, s.BlinkRate)
		}
		if s.Has(FieldJawTension) {
			jaws = append(jaws, s.JawTension)
		}
	}

	return Trend{
		Status:          TrendAnalyzed,
		BlinkRate:       direction(blinks),
		JawTension:      direction(jaws),
		SamplesAnalyzed: len(all),
	}
}

func direction(values []float64) Direction {
	if len(values) < 2 {
		return Stable
	}
	first, last := values[0], values[len(values)-1]
	switch {
	case last > first:
		return Increasing
	case last < first:
		return Decreasing
	default:
		return Stable
	}
}
