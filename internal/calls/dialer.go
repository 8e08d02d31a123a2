// Package calls triggers outbound calls through the telephony provider's
// REST API and produces the call-control markup that points the resulting
// call at the bridge's media-stream endpoint.
package calls

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Dialer places outbound calls. It holds one provider client for the process
// lifetime; the client is safe for concurrent use, so multiple calls may be
// triggered at once.
type Dialer struct {
	client *twilio.RestClient
	from   string
	logger *slog.Logger
}

// NewDialer creates a dialer using the given provider credentials and
// origination number.
func NewDialer(accountSID, authToken, from string, logger *slog.Logger) (*Dialer, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("calls: provider credentials not configured")
	}
	if from == "" {
		return nil, errors.New("calls: origination number not configured")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &Dialer{
		client: client,
		from:   from,
		logger: logger.With("subsystem", "calls"),
	}, nil
}

// PlaceCall starts an outbound call to the destination number. The provider
// fetches call-control markup from callbackURL once the call is answered.
// Returns the provider's call SID.
func (d *Dialer) PlaceCall(to, callbackURL string) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.from)
	params.SetUrl(callbackURL)

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("creating call: %w", err)
	}
	if resp.Sid == nil {
		return "", errors.New("calls: provider returned no call SID")
	}

	d.logger.Info("outbound call placed", "call_sid", *resp.Sid, "to", to)
	return *resp.Sid, nil
}
