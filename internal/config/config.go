// Package config defines callwire's configuration schema, its environment-
// variable loader, and the optional non-secret YAML defaults layer.
package config

import "time"

// CarrierVariant selects which telephony carrier adapter to build.
type CarrierVariant string

const (
	CarrierVariantPlivoapi  CarrierVariant = "plivoapi"
	CarrierVariantTelnyxapi CarrierVariant = "telnyxapi"
)

// IsValid reports whether v is a recognised carrier variant.
func (v CarrierVariant) IsValid() bool {
	return v == CarrierVariantPlivoapi || v == CarrierVariantTelnyxapi
}

// STTBackend selects which speech-to-text backend to build.
type STTBackend string

const (
	STTBackendDeepgramlike  STTBackend = "deepgramlike"
	STTBackendWhispernative STTBackend = "whispernative"
)

// IsValid reports whether b is a recognised STT backend.
func (b STTBackend) IsValid() bool {
	return b == STTBackendDeepgramlike || b == STTBackendWhispernative
}

// TTSBackend selects which text-to-speech backend to build.
type TTSBackend string

const (
	TTSBackendElevenlabslike TTSBackend = "elevenlabslike"
	TTSBackendOpenaispeech   TTSBackend = "openaispeech"
)

// IsValid reports whether b is a recognised TTS backend.
func (b TTSBackend) IsValid() bool {
	return b == TTSBackendElevenlabslike || b == TTSBackendOpenaispeech
}

// DeploymentMode selects whether the process drives the tool catalogue
// over a voice call or a text-chat session.
type DeploymentMode string

const (
	DeploymentModeVoice DeploymentMode = "voice"
	DeploymentModeChat  DeploymentMode = "chat"
)

// IsValid reports whether m is a recognised deployment mode.
func (m DeploymentMode) IsValid() bool {
	return m == DeploymentModeVoice || m == DeploymentModeChat
}

// LogLevel controls log verbosity for the callwire process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is callwire's fully resolved runtime configuration: the result of
// layering an optional YAML defaults file under the process environment.
type Config struct {
	Mode          DeploymentMode
	ListenAddr    string
	LogLevel      LogLevel
	PublicBaseURL string
	AllowUnsigned bool

	Carrier CarrierConfig
	STT     STTConfig
	TTS     TTSConfig
	ChatBot ChatBotConfig

	TranscriptTimeout     time.Duration
	ConnectTimeout        time.Duration
	EndOfUtteranceSilence time.Duration
}

// ChatBotConfig holds the settings needed to drive the text-chat variant.
// Only consulted when Mode is DeploymentModeChat.
type ChatBotConfig struct {
	BaseURL string
	ChatID  string
}

// CarrierConfig holds the settings needed to place and control calls
// through one of the two carrier variants.
type CarrierConfig struct {
	Variant       CarrierVariant
	AccountID     string
	AccountSecret string
	FromNumber    string
	ToNumber      string

	// WebhookPublicKey is the base64-encoded Ed25519 public key used to
	// verify inbound webhook signatures. Required only for
	// CarrierVariantTelnyxapi; plivoapi signs with HMAC-SHA1 over
	// AccountSecret instead.
	WebhookPublicKey string
}

// STTConfig selects and configures the streaming recognizer.
type STTConfig struct {
	Backend STTBackend
	APIKey  string
	Model   string
	BaseURL string
}

// TTSConfig selects and configures the speech synthesizer.
type TTSConfig struct {
	Backend TTSBackend
	APIKey  string
	VoiceID string
	Model   string
	BaseURL string
}

// defaults holds the zero-value fallbacks applied when neither the
// environment nor a YAML defaults file supplies a value.
var defaults = Config{
	Mode:                  DeploymentModeVoice,
	ListenAddr:            ":3333",
	LogLevel:              LogInfo,
	Carrier:               CarrierConfig{Variant: CarrierVariantPlivoapi},
	STT:                   STTConfig{Backend: STTBackendDeepgramlike},
	TTS:                   TTSConfig{Backend: TTSBackendElevenlabslike},
	TranscriptTimeout:     180 * time.Second,
	ConnectTimeout:        15 * time.Second,
	EndOfUtteranceSilence: 800 * time.Millisecond,
}
