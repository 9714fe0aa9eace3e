package physio

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Level is a three-way ordinal used for arousal, cognitive load and the
// categorical sample signals.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func parseLevel(v any) (Level, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelLow, LevelMedium, LevelHigh:
		return l, true
	}
	return "", false
}

// Field identifies a sample signal for presence tracking.
type Field uint16

const (
	FieldBlinkRate Field = 1 << iota
	FieldEARMean
	FieldJawTension
	FieldBreathingRate
	FieldBreathingAmplitude
	FieldFacialVariance
	FieldSpeaking
	FieldHeadMotion
	FieldTimestamp
)

// requiredFields each cost confidence when absent.
var requiredFields = []Field{
	FieldBlinkRate,
	FieldEARMean,
	FieldJawTension,
	FieldBreathingRate,
	FieldFacialVariance,
}

// Default values for signals missing from a sample.
const (
	DefaultEARMean            = 0.28
	DefaultBreathingAmplitude = LevelMedium
	DefaultHeadMotion         = LevelLow
)

// Sample is one timestamped biometric reading. Missing signals hold their
// defaults and are left out of Present.
type Sample struct {
	Timestamp          time.Time `json:"timestamp"`
	BlinkRate          float64   `json:"blink_rate"`
	EARMean            float64   `json:"ear_mean"`
	JawTension         float64   `json:"jaw_tension"`
	BreathingRate      float64   `json:"breathing_rate"`
	BreathingAmplitude Level     `json:"breathing_amplitude"`
	FacialVariance     float64   `json:"facial_variance"`
	Speaking           bool      `json:"speaking"`
	HeadMotion         Level     `json:"head_motion"`

	Present Field `json:"-"`
}

// Has reports whether f was supplied with a usable value.
func (s Sample) Has(f Field) bool {
	return s.Present&f != 0
}

// MissingRequired counts absent required signals.
func (s Sample) MissingRequired() int {
	n := 0
	for _, f := range requiredFields {
		if !s.Has(f) {
			n++
		}
	}
	return n
}

// ParseSample reads a flat key/value record. Unknown keys are ignored and
// values of the wrong type count as missing. A record without a timestamp is
// stamped with now.
func ParseSample(record map[string]any, now time.Time) Sample {
	s := Sample{
		Timestamp:          now,
		EARMean:            DefaultEARMean,
		BreathingAmplitude: DefaultBreathingAmplitude,
		HeadMotion:         DefaultHeadMotion,
	}

	numbers := []struct {
		key   string
		field Field
		dst   *float64
	}{
		{"blink_rate", FieldBlinkRate, &s.BlinkRate},
		{"ear_mean", FieldEARMean, &s.EARMean},
		{"jaw_tension", FieldJawTension, &s.JawTension},
		{"breathing_rate", FieldBreathingRate, &s.BreathingRate},
		{"facial_variance", FieldFacialVariance, &s.FacialVariance},
	}
	for _, n := range numbers {
		raw, ok := record[n.key]
		if !ok {
			continue
		}
		if v, ok := toFloat(raw); ok {
			*n.dst = v
			s.Present |= n.field
		}
	}

	if l, ok := parseLevel(record["breathing_amplitude"]); ok {
		s.BreathingAmplitude = l
		s.Present |= FieldBreathingAmplitude
	}
	if l, ok := parseLevel(record["head_motion"]); ok {
		s.HeadMotion = l
		s.Present |= FieldHeadMotion
	}
	if b, ok := toBool(record["speaking"]); ok {
		s.Speaking = b
		s.Present |= FieldSpeaking
	}
	if ts, ok := toTime(record["timestamp"]); ok {
		s.Timestamp = ts
		s.Present |= FieldTimestamp
	}

	return s
}

// toFloat converts a numeric value. NaN and infinities count as missing.
func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	case nil:
		return false, false
	}
	if f, ok := toFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

// maxUnixSeconds keeps numeric timestamps within int64 seconds.
const maxUnixSeconds = 1e15

// toTime accepts unix seconds (fractional allowed) or an RFC 3339 string.
func toTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return ts, true
		}
	}
	f, ok := toFloat(v)
	if !ok || math.Abs(f) > maxUnixSeconds {
		return time.Time{}, false
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}
