package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

// PairingClient talks to the relay's pairing API from a native peer.
type PairingClient struct {
	BaseURL string

	// HTTPClient defaults to a client with a short timeout; the pairing API
	// is two tiny JSON round trips.
	HTTPClient *http.Client
}

// PairingResult is the outcome of a verify call. OK is false for the
// expected absences (not_found, expired), which arrive as HTTP 200.
type PairingResult struct {
	OK        bool
	ExpiresAt time.Time
	Reason    string
}

func (p *PairingClient) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Create issues a fresh pairing code.
func (p *PairingClient) Create(ctx context.Context) (code string, expiresAt time.Time, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/share/create", nil)
	if err != nil {
		return "", time.Time{}, err
	}

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create pairing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("create pairing: unexpected status %d", resp.StatusCode)
	}

	var body createResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("create pairing: decode: %w", err)
	}
	return body.ID, time.UnixMilli(body.ExpiresAt), nil
}

// ICEServers fetches the relay's recommended ICE server list.
func (p *PairingClient) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/api/ice", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %d", resp.StatusCode)
	}

	var body iceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetch ice servers: decode: %w", err)
	}
	return body.ICEServers, nil
}

// Verify checks whether code names a live pairing.
func (p *PairingClient) Verify(ctx context.Context, code string) (PairingResult, error) {
	payload, err := json.Marshal(verifyRequest{ID: code})
	if err != nil {
		return PairingResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/share/verify", bytes.NewReader(payload))
	if err != nil {
		return PairingResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return PairingResult{}, fmt.Errorf("verify pairing: %w", err)
	}
	defer resp.Body.Close()

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PairingResult{}, fmt.Errorf("verify pairing: decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return PairingResult{}, fmt.Errorf("verify pairing: %s", body.Reason)
	}

	return PairingResult{
		OK:        body.OK,
		ExpiresAt: time.UnixMilli(body.ExpiresAt),
		Reason:    body.Reason,
	}, nil
}
