// Package vapi integrates the VAPI calling API.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/acme/outbound-lead-dialer/internal/config"
	"github.com/acme/outbound-lead-dialer/internal/telephony"
)

// Provider places calls through the VAPI HTTP API.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewProvider constructs the provider. A missing API key is a configuration
// error and stops the campaign at bootstrap rather than failing every tick.
func NewProvider(cfg config.CallBridgeConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vapi: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.vapi.ai"
	}
	return &Provider{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

type callRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
	PhoneID     string `json:"phoneId"`
}

type callResponse struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// PlaceCall issues the call-placement request. Any transport error, timeout
// or non-2xx status is a failed placement for the caller to classify.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.Request) (telephony.Result, error) {
	body, err := json.Marshal(callRequest{
		PhoneNumber: req.PhoneNumber,
		Name:        req.Name,
		PhoneID:     req.IdentityID,
	})
	if err != nil {
		return telephony.Result{}, fmt.Errorf("vapi: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return telephony.Result{}, fmt.Errorf("vapi: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return telephony.Result{}, fmt.Errorf("vapi: place call: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.Result{}, fmt.Errorf("vapi: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			return telephony.Result{}, fmt.Errorf("vapi: api error: %s", apiErr.Message)
		}
		return telephony.Result{}, fmt.Errorf("vapi: api error: %s", resp.Status)
	}

	var result callResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return telephony.Result{}, fmt.Errorf("vapi: decode response: %w", err)
	}

	return telephony.Result{CallRef: result.CallID}, nil
}
