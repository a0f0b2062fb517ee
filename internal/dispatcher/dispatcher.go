// Package dispatcher exposes the session engine as an MCP tool server over
// stdio: initiate_call, continue_call, speak_to_user, and end_call. It is the
// only surface an upstream coding assistant drives a call through.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/callwire/callwire/internal/errs"
	"github.com/callwire/callwire/internal/observe"
)

// Engine is the session-engine surface the dispatcher drives. Both the
// voice engine ([github.com/callwire/callwire/internal/session].Manager)
// and the text-chat engine
// ([github.com/callwire/callwire/internal/chatvariant].Manager) implement
// it, so either can sit behind the same fixed tool catalogue.
type Engine interface {
	Initiate(ctx context.Context, to, from, text string) (sessionID, transcript string, err error)
	Continue(ctx context.Context, sessionID, text string) (transcript string, err error)
	SpeakOnly(ctx context.Context, sessionID, text string) error
	End(ctx context.Context, sessionID, text string) (time.Duration, error)
}

// Dispatcher maps the fixed tool catalogue onto an [Engine].
type Dispatcher struct {
	manager Engine
	metrics *observe.Metrics

	// defaultFrom/defaultTo are the account-level numbers configured at
	// startup. initiate_call falls back to them when the assistant omits
	// the corresponding argument, since most deployments place calls
	// to/from one fixed pair of numbers.
	defaultFrom string
	defaultTo   string
}

// New constructs a Dispatcher over manager.
func New(manager Engine) *Dispatcher {
	return &Dispatcher{manager: manager, metrics: observe.DefaultMetrics()}
}

// WithDefaultNumbers sets the fallback to/from numbers substituted into
// initiate_call when the assistant's call omits them.
func (d *Dispatcher) WithDefaultNumbers(from, to string) *Dispatcher {
	d.defaultFrom = from
	d.defaultTo = to
	return d
}

// Server builds an MCP server with the four call-control tools registered.
func (d *Dispatcher) Server(name, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "initiate_call",
		Description: "Place an outbound phone call and speak an opening line, returning the caller's reply once transcribed.",
	}, d.initiateCall)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "continue_call",
		Description: "Speak into a live call and wait for the caller's next reply.",
	}, d.continueCall)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "speak_to_user",
		Description: "Speak into a live call without waiting for a reply.",
	}, d.speakToUser)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "end_call",
		Description: "Speak an optional closing line, hang up, and end the call session.",
	}, d.endCall)

	return server
}

// Run starts the MCP server on a stdio transport and blocks until ctx is
// canceled or the transport closes. It never returns a non-nil error for a
// malformed tool call; those are reported to the caller as tool-error
// results instead.
func (d *Dispatcher) Run(ctx context.Context, name, version string) error {
	server := d.Server(name, version)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

// InitiateCallInput is the input schema for initiate_call.
type InitiateCallInput struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// InitiateCallOutput is the output schema for initiate_call.
type InitiateCallOutput struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript,omitempty"`
}

func (d *Dispatcher) initiateCall(ctx context.Context, req *mcpsdk.CallToolRequest, in InitiateCallInput) (*mcpsdk.CallToolResult, InitiateCallOutput, error) {
	to, from := in.To, in.From
	if to == "" {
		to = d.defaultTo
	}
	if from == "" {
		from = d.defaultFrom
	}
	sessionID, transcript, err := d.manager.Initiate(ctx, to, from, in.Text)
	if err != nil {
		d.recordOutcome(ctx, "initiate_call", err)
		if sessionID != "" {
			// Transcript timeout: the call is live, only the turn failed.
			return nil, InitiateCallOutput{SessionID: sessionID}, nil
		}
		return errorResult(err), InitiateCallOutput{}, nil
	}
	d.recordOutcome(ctx, "initiate_call", nil)
	return nil, InitiateCallOutput{SessionID: sessionID, Transcript: transcript}, nil
}

// ContinueCallInput is the input schema for continue_call.
type ContinueCallInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ContinueCallOutput is the output schema for continue_call.
type ContinueCallOutput struct {
	Transcript string `json:"transcript,omitempty"`
}

func (d *Dispatcher) continueCall(ctx context.Context, req *mcpsdk.CallToolRequest, in ContinueCallInput) (*mcpsdk.CallToolResult, ContinueCallOutput, error) {
	transcript, err := d.manager.Continue(ctx, in.SessionID, in.Text)
	if err != nil {
		d.recordOutcome(ctx, "continue_call", err)
		return errorResult(err), ContinueCallOutput{}, nil
	}
	d.recordOutcome(ctx, "continue_call", nil)
	return nil, ContinueCallOutput{Transcript: transcript}, nil
}

// SpeakToUserInput is the input schema for speak_to_user.
type SpeakToUserInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SpeakToUserOutput is the output schema for speak_to_user.
type SpeakToUserOutput struct {
	Spoken bool `json:"spoken"`
}

func (d *Dispatcher) speakToUser(ctx context.Context, req *mcpsdk.CallToolRequest, in SpeakToUserInput) (*mcpsdk.CallToolResult, SpeakToUserOutput, error) {
	err := d.manager.SpeakOnly(ctx, in.SessionID, in.Text)
	if err != nil {
		d.recordOutcome(ctx, "speak_to_user", err)
		return errorResult(err), SpeakToUserOutput{}, nil
	}
	d.recordOutcome(ctx, "speak_to_user", nil)
	return nil, SpeakToUserOutput{Spoken: true}, nil
}

// EndCallInput is the input schema for end_call.
type EndCallInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// EndCallOutput is the output schema for end_call.
type EndCallOutput struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

func (d *Dispatcher) endCall(ctx context.Context, req *mcpsdk.CallToolRequest, in EndCallInput) (*mcpsdk.CallToolResult, EndCallOutput, error) {
	duration, err := d.manager.End(ctx, in.SessionID, in.Text)
	if err != nil {
		d.recordOutcome(ctx, "end_call", err)
		return errorResult(err), EndCallOutput{}, nil
	}
	d.recordOutcome(ctx, "end_call", nil)
	return nil, EndCallOutput{DurationSeconds: duration.Seconds()}, nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordToolCall(ctx, tool, status)
}

// toolError is the structured payload returned in place of a raw Go error,
// so a malformed or failed call never surfaces as a protocol-level failure.
type toolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorResult(err error) *mcpsdk.CallToolResult {
	te := classifyError(err)
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: fmt.Sprintf("%s: %s", te.Code, te.Message)},
		},
	}
}

func classifyError(err error) toolError {
	switch err.(type) {
	case *errs.NoSuchSession:
		return toolError{Code: "no_such_session", Message: err.Error()}
	case *errs.TranscriptTimeout:
		return toolError{Code: "transcript_timeout", Message: err.Error()}
	case *errs.CallHungUp:
		return toolError{Code: "call_hung_up", Message: err.Error()}
	case *errs.ConnectionTimeout:
		return toolError{Code: "connection_timeout", Message: err.Error()}
	case *errs.ProviderError:
		return toolError{Code: "provider_error", Message: err.Error()}
	default:
		if err == context.DeadlineExceeded || err == context.Canceled {
			return toolError{Code: "timeout", Message: err.Error()}
		}
		return toolError{Code: "internal_error", Message: err.Error()}
	}
}
