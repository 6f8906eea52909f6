package carrier

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/square-key-labs/callbridge/src/logger"
)

// CallUpdater is the slice of the Twilio REST API the narrator uses.
// *twilioApi.ApiService satisfies it.
type CallUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// NewTwilioAPI builds a REST client from account credentials
func NewTwilioAPI(accountSID, authToken string) *twilioApi.ApiService {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return client.Api
}

type NarratorConfig struct {
	Voice string
	// RedirectURL, when set, is fetched after the text is spoken so the call
	// can be handed back to a media stream
	RedirectURL string
	Logger      *logger.Logger
}

// Narrator speaks text on a live call through carrier call control. It is
// the path of last resort when engine audio cannot reach the caller.
type Narrator struct {
	api      CallUpdater
	voice    string
	redirect string
	log      *logger.Logger
}

func NewNarrator(api CallUpdater, cfg NarratorConfig) *Narrator {
	log := cfg.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	return &Narrator{
		api:      api,
		voice:    cfg.Voice,
		redirect: cfg.RedirectURL,
		log:      log.WithPrefix("Narrator"),
	}
}

// TwiML renders the document that speaks text
func (n *Narrator) TwiML(text string) (string, error) {
	elements := []twiml.Element{&twiml.VoiceSay{Message: text, Voice: n.voice}}
	if n.redirect != "" {
		elements = append(elements, &twiml.VoiceRedirect{Url: n.redirect, Method: "POST"})
	}
	return twiml.Voice(elements)
}

// Speak replaces the call's current instructions with a spoken message.
// Empty text is a no-op.
func (n *Narrator) Speak(ctx context.Context, callSID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	doc, err := n.TwiML(text)
	if err != nil {
		return fmt.Errorf("failed to render twiml: %w", err)
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)

	// The REST client takes no context
	result := make(chan error, 1)
	go func() {
		_, err := n.api.UpdateCall(callSID, params)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("twilio update call %s: %w", callSID, err)
		}
		n.log.Info("Narrated %d chars on call %s", len(text), callSID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("twilio update call %s: %w", callSID, ctx.Err())
	}
}
