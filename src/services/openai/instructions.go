package openai

import (
	"fmt"
	"strings"

	"github.com/square-key-labs/callbridge/src/models"
)

// BuildInstructions renders the system instructions for an inbound call
func BuildInstructions(cfg models.AgentConfig) string {
	var b strings.Builder

	name := cfg.BusinessName
	if name == "" {
		name = "the business"
	}
	fmt.Fprintf(&b, "You are the phone receptionist for %s. You are answering an inbound call. ", name)
	b.WriteString("Speak naturally and keep every reply short, one or two sentences. ")
	b.WriteString("Never invent facts that are not listed below.\n")

	if cfg.Greeting != "" {
		fmt.Fprintf(&b, "\nOpen the call with this greeting: %q\n", cfg.Greeting)
	}

	if len(cfg.FAQs) > 0 {
		b.WriteString("\nFrequently asked questions:\n")
		for _, faq := range cfg.FAQs {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", faq.Question, faq.Answer)
		}
	}

	if len(cfg.BusinessHours) > 0 {
		b.WriteString("\nBusiness hours:\n")
		for _, h := range cfg.BusinessHours {
			b.WriteString(h.String())
			b.WriteByte('\n')
		}
	}

	if len(cfg.MessageFields) > 0 {
		fmt.Fprintf(&b, "\nIf you cannot help, offer to take a message and collect: %s. ", strings.Join(cfg.MessageFields, ", "))
		b.WriteString("Read the details back to confirm, then tell the caller the message will be passed on.\n")
	}

	return b.String()
}

// greetingOptions is the response request that makes the agent speak first
func greetingOptions(cfg models.AgentConfig) *ResponseOptions {
	instructions := "Greet the caller and ask how you can help."
	if cfg.Greeting != "" {
		instructions = fmt.Sprintf("Greet the caller by saying exactly: %q", cfg.Greeting)
	}
	return &ResponseOptions{
		Modalities:   []string{"text", "audio"},
		Instructions: instructions,
	}
}
