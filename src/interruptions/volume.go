package interruptions

import (
	"sync"

	"github.com/square-key-labs/callbridge/src/audio"
)

// VolumeStrategy interrupts only when the caller is loud enough for long
// enough. It keeps background noise from cutting the agent off when the
// engine's own speech detection fires on it.
type VolumeStrategy struct {
	// Configuration
	threshold  float64 // RMS volume threshold (0.0 - 1.0)
	windowSize int     // Number of audio frames to analyze
	minFrames  int     // Minimum frames above threshold to trigger

	// State
	volumes     []float64
	framesAbove int
	mu          sync.Mutex
}

// VolumeStrategyParams holds configuration for volume-based interruption
type VolumeStrategyParams struct {
	Threshold  float64 // RMS volume threshold (default: 0.02)
	WindowSize int     // Frames to analyze (default: 10)
	MinFrames  int     // Min frames above threshold (default: 3)
}

// NewVolumeStrategy creates a new volume-based interruption strategy
func NewVolumeStrategy(params VolumeStrategyParams) *VolumeStrategy {
	if params.Threshold <= 0 {
		params.Threshold = 0.02
	}
	if params.WindowSize <= 0 {
		params.WindowSize = 10 // ~200ms at 20ms/frame
	}
	if params.MinFrames <= 0 {
		params.MinFrames = 3
	}
	if params.MinFrames > params.WindowSize {
		params.MinFrames = params.WindowSize
	}

	return &VolumeStrategy{
		threshold:  params.Threshold,
		windowSize: params.WindowSize,
		minFrames:  params.MinFrames,
		volumes:    make([]float64, 0, params.WindowSize),
	}
}

// AppendAudio adds one frame's RMS to the rolling window
func (v *VolumeStrategy) AppendAudio(pcm audio.PCM16) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = append(v.volumes, audio.RMS(pcm))
	if len(v.volumes) > v.windowSize {
		v.volumes = v.volumes[1:]
	}

	v.framesAbove = 0
	for _, vol := range v.volumes {
		if vol > v.threshold {
			v.framesAbove++
		}
	}
}

func (v *VolumeStrategy) AppendText(string) {}

// ShouldInterrupt reports whether enough recent frames were loud
func (v *VolumeStrategy) ShouldInterrupt() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.volumes) < v.minFrames {
		return false
	}
	return v.framesAbove >= v.minFrames
}

// Reset clears the volume history
func (v *VolumeStrategy) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = v.volumes[:0]
	v.framesAbove = 0
}
