// Package plivoapi implements the carrier.Provider contract for variant A:
// a form-urlencoded REST API authenticated with HTTP Basic, signing
// webhooks with HMAC-SHA1.
package plivoapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/pkg/carrier"
)

const defaultAPIBaseURL = "https://api.plivo.com/v1/Account"

// Provider implements carrier.Provider for the form-urlencoded,
// HMAC-SHA1-signed carrier API.
type Provider struct {
	accountID  string
	authToken  string
	apiBaseURL string
	httpClient *http.Client
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

// New constructs a Provider. accountID and authToken are the account
// identifier and HMAC secret.
func New(accountID, authToken string, opts ...Option) *Provider {
	p := &Provider{
		accountID:  accountID,
		authToken:  authToken,
		apiBaseURL: defaultAPIBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements carrier.Provider.
func (p *Provider) Name() string { return "plivoapi" }

type placeCallResponse struct {
	RequestUUID string `json:"request_uuid"`
	CallUUID    string `json:"call_uuid"`
}

// PlaceCall implements carrier.Provider.
func (p *Provider) PlaceCall(ctx context.Context, in carrier.PlaceCallInput) (string, error) {
	form := url.Values{}
	form.Set("to", in.To)
	form.Set("from", in.From)
	form.Set("answer_url", in.WebhookBaseURL+"/twiml")
	if in.MachineDetection {
		form.Set("machine_detection", "true")
	}

	endpoint := fmt.Sprintf("%s/%s/Call/", p.apiBaseURL, p.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errs.NewProviderError(p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountID, p.authToken)

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
	if parsed.CallUUID == "" {
		return "", errs.NewProviderError(p.Name(), fmt.Errorf("place call: no call_uuid in response"))
	}
	return parsed.CallUUID, nil
}

// StreamingXML implements carrier.Provider.
func (p *Provider) StreamingXML(websocketURL string) string {
	return carrier.StreamingXMLTemplate(websocketURL)
}

// StartStream implements carrier.Provider. Variant A starts streaming
// synchronously via the webhook's XML response, so this is a no-op.
func (p *Provider) StartStream(ctx context.Context, handle, websocketURL string) error {
	return nil
}

// Hangup implements carrier.Provider. Best-effort: errors are returned so
// callers can log them, but a caller must never surface them as a session
// failure once the call has already ended.
func (p *Provider) Hangup(ctx context.Context, handle string) error {
	endpoint := fmt.Sprintf("%s/%s/Call/%s/", p.apiBaseURL, p.accountID, handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return errs.NewProviderError(p.Name(), err)
	}
	req.SetBasicAuth(p.accountID, p.authToken)

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

// VerifySignature implements carrier.Provider. Computes an HMAC-SHA1 over
// the URL concatenated with the body's parameters sorted by key, compared
// against the base64-encoded x-twilio-signature header.
func (p *Provider) VerifySignature(fullURL string, headers http.Header, rawBody []byte) bool {
	sig := headers.Get("x-twilio-signature")
	if sig == "" {
		sig = headers.Get("X-Twilio-Signature")
	}
	if sig == "" {
		return false
	}

	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(values.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(sb.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

// ParseControlEvent implements carrier.Provider. rawBody is a
// form-urlencoded payload with a CallStatus field (and, when machine
// detection was requested, a MachineDetectionResult field).
func (p *Provider) ParseControlEvent(rawBody []byte, headers http.Header) (carrier.ControlEvent, error) {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return carrier.EventIrrelevant, errs.NewProtocolError(err)
	}

	if md := values.Get("MachineDetectionResult"); md != "" {
		return carrier.EventAnsweringMachineResult, nil
	}

	switch values.Get("CallStatus") {
	case "in-progress", "answered":
		return carrier.EventCallAnswered, nil
	case "completed", "no-answer", "busy", "failed", "canceled":
		return carrier.EventCallHungUp, nil
	default:
		return carrier.EventIrrelevant, nil
	}
}

// ExtractHandle implements carrier.Provider. The handle is the CallUUID
// form field.
func (p *Provider) ExtractHandle(rawBody []byte) string {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return ""
	}
	return values.Get("CallUUID")
}
