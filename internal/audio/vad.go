package audio

// VADConfig holds configuration for the speaking indicator
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent blocks before speech is considered over
}

// DefaultVADConfig returns a default VAD configuration tuned for 4096-sample
// blocks at 16 kHz (about 256ms per block)
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   3,
	}
}

// VADDetector is an energy-based voice activity detector. It drives the
// "speaking" flag of a live recording; it never gates what is streamed.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector with its own copy of config
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	cfg := *config
	if cfg.SilenceFrames < 1 {
		cfg.SilenceFrames = 1
	}
	return &VADDetector{config: &cfg}
}

// ProcessPCM decodes a PCM16 frame and feeds it to ProcessFrame.
// Malformed frames leave the detector unchanged.
func (v *VADDetector) ProcessPCM(pcm []byte) (bool, bool, bool) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return v.isSpeaking, false, false
	}
	return v.ProcessFrame(samples)
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
