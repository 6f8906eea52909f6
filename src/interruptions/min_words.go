package interruptions

import (
	"strings"
	"sync"

	"github.com/square-key-labs/callbridge/src/audio"
)

// MinWordsStrategy interrupts once the caller has said at least a minimum
// number of words. Speech start alone never qualifies, so the decision waits
// for the utterance's transcription.
type MinWordsStrategy struct {
	minWords int

	mu   sync.Mutex
	text string
}

// NewMinWordsStrategy creates a minimum words strategy. minWords below one
// is treated as one.
func NewMinWordsStrategy(minWords int) *MinWordsStrategy {
	if minWords < 1 {
		minWords = 1
	}
	return &MinWordsStrategy{minWords: minWords}
}

func (m *MinWordsStrategy) AppendAudio(audio.PCM16) {}

// AppendText appends text for word count analysis
func (m *MinWordsStrategy) AppendText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.text != "" {
		m.text += " "
	}
	m.text += text
}

// ShouldInterrupt checks if the minimum word count has been reached
func (m *MinWordsStrategy) ShouldInterrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(strings.Fields(m.text)) >= m.minWords
}

// Reset clears the accumulated text
func (m *MinWordsStrategy) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = ""
}
