// Package telnyxapi implements the carrier.Provider contract for variant B:
// a JSON REST API authenticated with a bearer token, signing webhooks with
// Ed25519.
package telnyxapi

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/carrier"
)

const (
	defaultAPIBaseURL  = "https://api.telnyx.com/v2"
	signatureFreshness = 5 * time.Minute
)

// Provider implements carrier.Provider for the JSON, Ed25519-signed
// carrier API.
type Provider struct {
	connectionID string
	apiKey       string
	publicKey    ed25519.PublicKey
	apiBaseURL   string
	httpClient   *http.Client
	now          func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIBaseURL overrides the default API base URL, for testing.
func WithAPIBaseURL(base string) Option {
	return func(p *Provider) { p.apiBaseURL = base }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithClock overrides the clock used for signature freshness checks, for
// testing.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New constructs a Provider. connectionID identifies the carrier connection
// to place calls on. apiKey is the bearer token used for outbound API
// calls; webhookPublicKeyB64 is the base64-encoded Ed25519 public key used
// to verify inbound webhook signatures.
func New(connectionID, apiKey, webhookPublicKeyB64 string, opts ...Option) (*Provider, error) {
	raw, err := base64.StdEncoding.DecodeString(webhookPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("telnyxapi: decode webhook public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("telnyxapi: webhook public key has wrong size %d", len(raw))
	}

	p := &Provider{
		connectionID: connectionID,
		apiKey:       apiKey,
		publicKey:    ed25519.PublicKey(raw),
		apiBaseURL:   defaultAPIBaseURL,
		httpClient:   http.DefaultClient,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name implements carrier.Provider.
func (p *Provider) Name() string { return "telnyxapi" }

type placeCallRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	WebhookURL   string `json:"webhook_url"`
}

type placeCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

// PlaceCall implements carrier.Provider.
func (p *Provider) PlaceCall(ctx context.Context, in carrier.PlaceCallInput) (string, error) {
	reqBody, err := json.Marshal(placeCallRequest{
		ConnectionID: p.connectionID,
		To:           in.To,
		From:         in.From,
		WebhookURL:   in.WebhookBaseURL + "/twiml",
	})
	if err != nil {
		return "", errs.NewProviderError(p.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBaseURL+"/calls", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", errs.NewProviderError(p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errs.NewProviderError(p.Name(), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", errs.NewProviderError(p.Name(), fmt.Errorf("place call: status %d: %s", resp.StatusCode, body))
	}

	var parsed placeCallResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errs.NewProviderError(p.Name(), fmt.Errorf("place call: decode response: %w", err))
	}
	if parsed.Data.CallControlID == "" {
		return "", errs.NewProviderError(p.Name(), fmt.Errorf("place call: no call_control_id in response"))
	}
	return parsed.Data.CallControlID, nil
}

// StreamingXML implements carrier.Provider. Variant B does not use this
// response directly (its webhook reply is a plain JSON acknowledgement),
// but the method is kept so both variants satisfy the same interface and
// the document is available if a caller needs it for logging or testing.
func (p *Provider) StreamingXML(websocketURL string) string {
	return carrier.StreamingXMLTemplate(websocketURL)
}

type startStreamRequest struct {
	StreamURL string `json:"stream_url"`
}

// StartStream implements carrier.Provider. Variant B does not start
// streaming from the webhook response; it requires a separate API call
// once call.answered has been parsed.
func (p *Provider) StartStream(ctx context.Context, handle, websocketURL string) error {
	reqBody, err := json.Marshal(startStreamRequest{StreamURL: websocketURL})
	if err != nil {
		return errs.NewProviderError(p.Name(), err)
	}

	endpoint := fmt.Sprintf("%s/calls/%s/actions/streaming_start", p.apiBaseURL, handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(reqBody)))
	if err != nil {
		return errs.NewProviderError(p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.NewProviderError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errs.NewProviderError(p.Name(), fmt.Errorf("start stream: status %d", resp.StatusCode))
	}
	return nil
}

// Hangup implements carrier.Provider.
func (p *Provider) Hangup(ctx context.Context, handle string) error {
	endpoint := fmt.Sprintf("%s/calls/%s/actions/hangup", p.apiBaseURL, handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return errs.NewProviderError(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.NewProviderError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return errs.NewProviderError(p.Name(), fmt.Errorf("hangup: status %d", resp.StatusCode))
	}
	return nil
}

// VerifySignature implements carrier.Provider. Verifies an Ed25519
// signature over "timestamp|body" and rejects timestamps outside a
// ±5-minute freshness window.
func (p *Provider) VerifySignature(fullURL string, headers http.Header, rawBody []byte) bool {
	sigB64 := headers.Get("telnyx-signature-ed25519")
	tsStr := headers.Get("telnyx-timestamp")
	if sigB64 == "" || tsStr == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return false
	}
	signedAt := time.Unix(ts, 0)
	if delta := p.now().Sub(signedAt); delta > signatureFreshness || delta < -signatureFreshness {
		return false
	}

	signed := append([]byte(tsStr+"|"), rawBody...)
	return ed25519.Verify(p.publicKey, signed, sig)
}

type webhookPayload struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			Result        string `json:"result"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseControlEvent implements carrier.Provider.
func (p *Provider) ParseControlEvent(rawBody []byte, headers http.Header) (carrier.ControlEvent, error) {
	var parsed webhookPayload
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return carrier.EventIrrelevant, errs.NewProtocolError(err)
	}

	switch parsed.Data.EventType {
	case "call.answered":
		return carrier.EventCallAnswered, nil
	case "call.hangup":
		return carrier.EventCallHungUp, nil
	case "streaming.started":
		return carrier.EventStreamingReady, nil
	case "call.machine.detection.ended":
		return carrier.EventAnsweringMachineResult, nil
	default:
		return carrier.EventIrrelevant, nil
	}
}

// ExtractHandle implements carrier.Provider. The handle is the
// call_control_id field carried by every event payload.
func (p *Provider) ExtractHandle(rawBody []byte) string {
	var parsed webhookPayload
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return ""
	}
	return parsed.Data.Payload.CallControlID
}
