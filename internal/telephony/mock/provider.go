package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/acme/outbound-lead-dialer/internal/telephony"
)

// Provider simulates outbound call behaviour for local runs.
type Provider struct {
	successRate float64
	rng         *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider() *Provider {
	return &Provider{
		successRate: 0.9,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlaceCall simulates a call placement.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.Request) (telephony.Result, error) {
	latency := time.Duration(50+p.rng.Intn(200)) * time.Millisecond

	select {
	case <-ctx.Done():
		return telephony.Result{}, ctx.Err()
	case <-time.After(latency):
	}

	if p.rng.Float64() > p.successRate {
		return telephony.Result{}, fmt.Errorf("mock telephony: simulated failure for %s", req.PhoneNumber)
	}

	return telephony.Result{CallRef: fmt.Sprintf("mock-%d", p.rng.Int63())}, nil
}
