// Package carrier wraps the telephony provider's REST API: sending texts and
// placing outbound calls. The orchestrator treats it as a black box returning a
// provider message id or an error.
package carrier

import "context"

type Client interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
	PlaceCall(ctx context.Context, to, callbackURL string) (string, error)
}
