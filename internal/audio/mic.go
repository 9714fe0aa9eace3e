package audio

// MicConfig describes the microphone stream of a client.
type MicConfig struct {
	Encoding        string
	SampleRate      int
	EnergyThreshold float64 // VAD threshold; 0 disables speech detection
	SilenceFrames   int
}

// framesPerSecond sets how much audio is batched per speech-to-text write.
const framesPerSecond = 10

// MicInput batches microphone audio into fixed-size frames and detects
// the start of user speech. It is not safe for concurrent use.
type MicInput struct {
	encoding  string
	frameSize int // bytes
	buf       []byte
	vad       *VADDetector
}

// NewMicInput creates a MicInput for cfg.
func NewMicInput(cfg MicConfig) *MicInput {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingLinear16
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	m := &MicInput{
		encoding:  cfg.Encoding,
		frameSize: cfg.SampleRate / framesPerSecond * BytesPerSample(cfg.Encoding),
	}
	if cfg.EnergyThreshold > 0 {
		m.vad = NewVADDetector(VADConfig{
			EnergyThreshold: cfg.EnergyThreshold,
			SilenceFrames:   cfg.SilenceFrames,
			FrameSize:       cfg.SampleRate / 50, // 20ms
		})
	}
	return m
}

// FrameSize returns the size in bytes of the frames returned by Write.
func (m *MicInput) FrameSize() int {
	return m.frameSize
}

// Write buffers data and returns every complete frame. speechStarted
// reports whether the user began speaking within data.
func (m *MicInput) Write(data []byte) (frames [][]byte, speechStarted bool) {
	if m.vad != nil {
		speechStarted = m.vad.Process(DecodeSamples(data, m.encoding)) == VADSpeechStarted
	}

	m.buf = append(m.buf, data...)
	for len(m.buf) >= m.frameSize {
		frame := make([]byte, m.frameSize)
		copy(frame, m.buf)
		frames = append(frames, frame)
		m.buf = m.buf[m.frameSize:]
	}
	m.buf = append(m.buf[:0:0], m.buf...)
	return frames, speechStarted
}

// Flush returns the buffered partial frame, if any.
func (m *MicInput) Flush() []byte {
	if len(m.buf) == 0 {
		return nil
	}
	rest := m.buf
	m.buf = nil
	return rest
}
