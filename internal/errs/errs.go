// Package errs defines the typed error taxonomy shared across callwire's
// carrier, provider, and session-engine packages.
package errs

import "fmt"

// ConfigurationError reports one or more missing or invalid settings
// discovered while loading configuration at startup.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("configuration: %v", e.Err) }
func (e *ConfigurationError) Unwrap() error  { return e.Err }

// NewConfigurationError wraps err as a ConfigurationError.
func NewConfigurationError(err error) error { return &ConfigurationError{Err: err} }

// ProviderError reports a non-2xx response or other failure from a carrier,
// TTS, or STT provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}
func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err as a ProviderError attributed to provider.
func NewProviderError(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// SignatureError reports a webhook whose signature failed verification.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return fmt.Sprintf("signature: %s", e.Reason) }

// NewSignatureError constructs a SignatureError with the given reason.
func NewSignatureError(reason string) error { return &SignatureError{Reason: reason} }

// ConnectionTimeout reports that the media-stream WebSocket did not reach
// streaming-ready within the configured deadline.
type ConnectionTimeout struct {
	SessionID string
}

func (e *ConnectionTimeout) Error() string {
	return fmt.Sprintf("session %s: connection timeout", e.SessionID)
}

// NewConnectionTimeout constructs a ConnectionTimeout for sessionID.
func NewConnectionTimeout(sessionID string) error { return &ConnectionTimeout{SessionID: sessionID} }

// TranscriptTimeout reports that the recognizer produced no final
// transcript within the configured window.
type TranscriptTimeout struct {
	SessionID string
}

func (e *TranscriptTimeout) Error() string {
	return fmt.Sprintf("session %s: transcript timeout", e.SessionID)
}

// NewTranscriptTimeout constructs a TranscriptTimeout for sessionID.
func NewTranscriptTimeout(sessionID string) error { return &TranscriptTimeout{SessionID: sessionID} }

// CallHungUp reports that the caller hung up, either via a carrier event or
// a media-stream "stop" frame.
type CallHungUp struct {
	SessionID string
}

func (e *CallHungUp) Error() string {
	return fmt.Sprintf("session %s: call hung up", e.SessionID)
}

// NewCallHungUp constructs a CallHungUp for sessionID.
func NewCallHungUp(sessionID string) error { return &CallHungUp{SessionID: sessionID} }

// ProtocolError reports malformed inbound JSON on the media-stream or
// webhook listeners. It is always logged, never fatal to the connection.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %v", e.Err) }
func (e *ProtocolError) Unwrap() error  { return e.Err }

// NewProtocolError wraps err as a ProtocolError.
func NewProtocolError(err error) error { return &ProtocolError{Err: err} }

// NoSuchSession reports that a tool call named a session id with no live
// session.
type NoSuchSession struct {
	SessionID string
}

func (e *NoSuchSession) Error() string {
	return fmt.Sprintf("no such session: %s", e.SessionID)
}

// NewNoSuchSession constructs a NoSuchSession for sessionID.
func NewNoSuchSession(sessionID string) error { return &NoSuchSession{SessionID: sessionID} }
