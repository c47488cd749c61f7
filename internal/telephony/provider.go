package telephony

import "context"

// Request carries the parameters for placing one outbound call.
type Request struct {
	PhoneNumber string
	Name        string
	IdentityID  string
}

// Result captures the provider response for an accepted call.
type Result struct {
	// CallRef is the provider-side call identifier, used later to
	// correlate outcome notifications.
	CallRef string
}

// Provider abstracts the external calling API.
type Provider interface {
	PlaceCall(ctx context.Context, req Request) (Result, error)
}
