package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/callwire/callwire/internal/errs"
)

// fileDefaults is the schema accepted from the optional YAML defaults file.
// It deliberately has no field for any secret (account secret, API keys):
// decoding with [yaml.Decoder.KnownFields] rejects any such key outright,
// so a secret checked into the defaults file fails loudly instead of being
// silently accepted.
type fileDefaults struct {
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`
	PublicBaseURL string `yaml:"public_base_url"`
	AllowUnsigned bool   `yaml:"allow_unsigned"`

	CarrierVariant string `yaml:"carrier_variant"`
	FromNumber     string `yaml:"from_number"`
	ToNumber       string `yaml:"to_number"`

	STTBackend string `yaml:"stt_backend"`
	STTModel   string `yaml:"stt_model"`
	STTBaseURL string `yaml:"stt_base_url"`

	TTSBackend  string `yaml:"tts_backend"`
	TTSVoiceID  string `yaml:"tts_voice_id"`
	TTSBaseURL  string `yaml:"tts_base_url"`

	TranscriptTimeout     string `yaml:"transcript_timeout"`
	ConnectTimeout        string `yaml:"connect_timeout"`
	EndOfUtteranceSilence string `yaml:"end_of_utterance_silence"`
}

// Load builds a [Config] by layering, in increasing priority: the package
// defaults, an optional YAML file named by CALLWIRE_CONFIG, then the process
// environment. Every missing or invalid required value is collected and
// returned together as one [errs.ConfigurationError], never a sequence of
// separate fatal exits.
func Load() (*Config, error) {
	cfg := defaults

	if path := os.Getenv("CALLWIRE_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errs.NewConfigurationError(fmt.Errorf("open %q: %w", path, err))
		}
		defer f.Close()
		if err := applyFileDefaults(&cfg, f); err != nil {
			return nil, errs.NewConfigurationError(fmt.Errorf("%q: %w", path, err))
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, errs.NewConfigurationError(err)
	}
	return &cfg, nil
}

func applyFileDefaults(cfg *Config, r io.Reader) error {
	var fd fileDefaults
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fd); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode yaml: %w", err)
	}

	if fd.ListenAddr != "" {
		cfg.ListenAddr = fd.ListenAddr
	}
	if fd.LogLevel != "" {
		cfg.LogLevel = LogLevel(fd.LogLevel)
	}
	if fd.PublicBaseURL != "" {
		cfg.PublicBaseURL = fd.PublicBaseURL
	}
	if fd.AllowUnsigned {
		cfg.AllowUnsigned = true
	}
	if fd.CarrierVariant != "" {
		cfg.Carrier.Variant = CarrierVariant(fd.CarrierVariant)
	}
	if fd.FromNumber != "" {
		cfg.Carrier.FromNumber = fd.FromNumber
	}
	if fd.ToNumber != "" {
		cfg.Carrier.ToNumber = fd.ToNumber
	}
	if fd.STTBackend != "" {
		cfg.STT.Backend = STTBackend(fd.STTBackend)
	}
	if fd.STTModel != "" {
		cfg.STT.Model = fd.STTModel
	}
	if fd.STTBaseURL != "" {
		cfg.STT.BaseURL = fd.STTBaseURL
	}
	if fd.TTSBackend != "" {
		cfg.TTS.Backend = TTSBackend(fd.TTSBackend)
	}
	if fd.TTSVoiceID != "" {
		cfg.TTS.VoiceID = fd.TTSVoiceID
	}
	if fd.TTSBaseURL != "" {
		cfg.TTS.BaseURL = fd.TTSBaseURL
	}
	var err error
	if cfg.TranscriptTimeout, err = parseDurationDefault(fd.TranscriptTimeout, cfg.TranscriptTimeout); err != nil {
		return fmt.Errorf("transcript_timeout: %w", err)
	}
	if cfg.ConnectTimeout, err = parseDurationDefault(fd.ConnectTimeout, cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect_timeout: %w", err)
	}
	if cfg.EndOfUtteranceSilence, err = parseDurationDefault(fd.EndOfUtteranceSilence, cfg.EndOfUtteranceSilence); err != nil {
		return fmt.Errorf("end_of_utterance_silence: %w", err)
	}
	return nil
}

func parseDurationDefault(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

// applyEnv overrides cfg with every recognised environment variable that is
// set. Environment variables always win over the YAML defaults file.
func applyEnv(cfg *Config) {
	setDeploymentMode(&cfg.Mode, "DEPLOYMENT_MODE")
	setString(&cfg.ListenAddr, "CALLWIRE_LISTEN_ADDR")
	setLogLevel(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setBool(&cfg.AllowUnsigned, "ALLOW_UNSIGNED_WEBHOOKS")

	setCarrierVariant(&cfg.Carrier.Variant, "CARRIER_PROVIDER")
	setString(&cfg.Carrier.AccountID, "ACCOUNT_ID")
	setString(&cfg.Carrier.AccountSecret, "ACCOUNT_SECRET")
	setString(&cfg.Carrier.FromNumber, "FROM_NUMBER")
	setString(&cfg.Carrier.ToNumber, "TO_NUMBER")
	setString(&cfg.Carrier.WebhookPublicKey, "CARRIER_WEBHOOK_PUBLIC_KEY")

	setSTTBackend(&cfg.STT.Backend, "STT_PROVIDER")
	setString(&cfg.STT.APIKey, "STT_API_KEY")
	setString(&cfg.STT.Model, "STT_MODEL")
	setString(&cfg.STT.BaseURL, "STT_BASE_URL")

	setTTSBackend(&cfg.TTS.Backend, "TTS_PROVIDER")
	setString(&cfg.TTS.APIKey, "TTS_API_KEY")
	setString(&cfg.TTS.VoiceID, "TTS_VOICE_ID")
	setString(&cfg.TTS.BaseURL, "TTS_BASE_URL")

	setDuration(&cfg.TranscriptTimeout, "TRANSCRIPT_TIMEOUT")
	setDuration(&cfg.ConnectTimeout, "CONNECT_TIMEOUT")
	setDuration(&cfg.EndOfUtteranceSilence, "END_OF_UTTERANCE_SILENCE")

	setString(&cfg.ChatBot.BaseURL, "CHAT_BOT_BASE_URL")
	setString(&cfg.ChatBot.ChatID, "CHAT_ID")
}

func setDeploymentMode(dst *DeploymentMode, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = DeploymentMode(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setLogLevel(dst *LogLevel, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = LogLevel(v)
	}
}

func setCarrierVariant(dst *CarrierVariant, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = CarrierVariant(v)
	}
}

func setSTTBackend(dst *STTBackend, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = STTBackend(v)
	}
}

func setTTSBackend(dst *TTSBackend, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = TTSBackend(v)
	}
}

// validate collects every missing or invalid required value into a single
// joined error, mirroring the teacher's aggregate-then-report validator.
func validate(cfg *Config) error {
	var problems []error

	if !cfg.Mode.IsValid() {
		problems = append(problems, fmt.Errorf("DEPLOYMENT_MODE %q is invalid; valid values: voice, chat", cfg.Mode))
	}
	if !cfg.LogLevel.IsValid() {
		problems = append(problems, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	switch cfg.Mode {
	case DeploymentModeChat:
		if cfg.ChatBot.BaseURL == "" {
			problems = append(problems, errors.New("CHAT_BOT_BASE_URL is required for DEPLOYMENT_MODE=chat"))
		}
		if cfg.ChatBot.ChatID == "" {
			problems = append(problems, errors.New("CHAT_ID is required for DEPLOYMENT_MODE=chat"))
		}
	default:
		if !cfg.Carrier.Variant.IsValid() {
			problems = append(problems, fmt.Errorf("CARRIER_PROVIDER %q is invalid; valid values: plivoapi, telnyxapi", cfg.Carrier.Variant))
		}
		if !cfg.STT.Backend.IsValid() {
			problems = append(problems, fmt.Errorf("STT_PROVIDER %q is invalid; valid values: deepgramlike, whispernative", cfg.STT.Backend))
		}
		if !cfg.TTS.Backend.IsValid() {
			problems = append(problems, fmt.Errorf("TTS_PROVIDER %q is invalid; valid values: elevenlabslike, openaispeech", cfg.TTS.Backend))
		}
		if cfg.Carrier.AccountID == "" {
			problems = append(problems, errors.New("ACCOUNT_ID is required"))
		}
		if cfg.Carrier.AccountSecret == "" {
			problems = append(problems, errors.New("ACCOUNT_SECRET is required"))
		}
		if cfg.Carrier.FromNumber == "" {
			problems = append(problems, errors.New("FROM_NUMBER is required"))
		}
		if cfg.Carrier.Variant == CarrierVariantTelnyxapi && cfg.Carrier.WebhookPublicKey == "" {
			problems = append(problems, errors.New("CARRIER_WEBHOOK_PUBLIC_KEY is required for CARRIER_PROVIDER=telnyxapi"))
		}
		if cfg.PublicBaseURL == "" {
			problems = append(problems, errors.New("PUBLIC_BASE_URL is required"))
		}
		if cfg.STT.Backend != STTBackendWhispernative && cfg.STT.APIKey == "" {
			problems = append(problems, fmt.Errorf("STT_API_KEY is required for STT_PROVIDER=%s", cfg.STT.Backend))
		}
		if cfg.TTS.APIKey == "" {
			problems = append(problems, errors.New("TTS_API_KEY is required"))
		}
		if cfg.TTS.VoiceID == "" {
			problems = append(problems, errors.New("TTS_VOICE_ID is required"))
		}
	}

	return errors.Join(problems...)
}
