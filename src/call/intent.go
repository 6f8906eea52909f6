package call

import (
	"strings"

	"github.com/square-key-labs/callbridge/src/models"
)

const (
	IntentMessage = "message"
	IntentFAQ     = "faq"
	IntentGeneral = "general"
)

// classifyIntent labels a finished call from its transcript. A message
// wins over an FAQ match.
func classifyIntent(transcript string, cfg models.AgentConfig) (string, bool) {
	lower := strings.ToLower(transcript)
	if strings.Contains(lower, "message") {
		return IntentMessage, true
	}
	for _, faq := range cfg.FAQs {
		if containsFold(lower, faq.Question) || containsFold(lower, faq.Answer) {
			return IntentFAQ, false
		}
	}
	return IntentGeneral, false
}

func containsFold(lowerHaystack, needle string) bool {
	needle = strings.TrimSpace(needle)
	return needle != "" && strings.Contains(lowerHaystack, strings.ToLower(needle))
}
