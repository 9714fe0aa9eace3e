package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end speech
	FrameSize       int     // Samples per frame (20ms)
}

// DefaultVADConfig returns the configuration for 16kHz audio
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,  // 200ms of silence
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADEvent is a change in detected speech.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStarted
	VADSpeechEnded
)

// VADDetector is an energy-based voice activity detector. Samples may
// arrive in chunks of any size; they are evaluated in whole frames.
type VADDetector struct {
	config         VADConfig
	pending        []int16
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config VADConfig) *VADDetector {
	if config.FrameSize < 1 {
		config.FrameSize = DefaultVADConfig().FrameSize
	}
	if config.SilenceFrames < 1 {
		config.SilenceFrames = 1
	}
	return &VADDetector{config: config}
}

// Process evaluates samples and returns the first speech change they
// contain. A start takes precedence over an end in the same chunk.
func (v *VADDetector) Process(samples []int16) VADEvent {
	v.pending = append(v.pending, samples...)

	event := VADNone
	for len(v.pending) >= v.config.FrameSize {
		switch v.processFrame(v.pending[:v.config.FrameSize]) {
		case VADSpeechStarted:
			event = VADSpeechStarted
		case VADSpeechEnded:
			if event == VADNone {
				event = VADSpeechEnded
			}
		}
		v.pending = v.pending[v.config.FrameSize:]
	}
	v.pending = append(v.pending[:0:0], v.pending...)
	return event
}

func (v *VADDetector) processFrame(frame []int16) VADEvent {
	if CalculateRMS(frame) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			v.isSpeaking = true
			return VADSpeechStarted
		}
		return VADNone
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
		return VADSpeechEnded
	}
	return VADNone
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.pending = nil
	v.silenceCounter = 0
	v.isSpeaking = false
}
