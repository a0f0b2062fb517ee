// Command callwire is the main entry point for the callwire call-session
// engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/callwire/callwire/internal/chatvariant"
	"github.com/callwire/callwire/internal/config"
	"github.com/callwire/callwire/internal/dispatcher"
	"github.com/callwire/callwire/internal/health"
	"github.com/callwire/callwire/internal/mediastream"
	"github.com/callwire/callwire/internal/observe"
	"github.com/callwire/callwire/internal/resilience"
	"github.com/callwire/callwire/internal/session"
	"github.com/callwire/callwire/internal/webhook"
	"github.com/callwire/callwire/pkg/carrier"
	"github.com/callwire/callwire/pkg/carrier/plivoapi"
	"github.com/callwire/callwire/pkg/carrier/telnyxapi"
	"github.com/callwire/callwire/pkg/stt"
	"github.com/callwire/callwire/pkg/stt/deepgramlike"
	"github.com/callwire/callwire/pkg/stt/whispernative"
	"github.com/callwire/callwire/pkg/tts"
	"github.com/callwire/callwire/pkg/tts/elevenlabslike"
	"github.com/callwire/callwire/pkg/tts/openaispeech"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callwire: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	slog.Info("callwire starting", "listen_addr", cfg.ListenAddr, "log_level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callwire"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	var disp *dispatcher.Dispatcher
	var httpServer *http.Server

	switch cfg.Mode {
	case config.DeploymentModeChat:
		engine := chatvariant.NewManager(
			chatvariant.NewHTTPTransport(cfg.ChatBot.BaseURL),
			chatvariant.EngineConfig{TranscriptTimeout: cfg.TranscriptTimeout},
		)
		disp = dispatcher.New(engine).WithDefaultNumbers("", cfg.ChatBot.ChatID)
		slog.Info("running in chat mode", "chat_id", cfg.ChatBot.ChatID)

	default:
		carrierProvider, err := buildCarrier(cfg.Carrier)
		if err != nil {
			slog.Error("failed to build carrier provider", "err", err)
			return 1
		}

		sttProvider, err := buildSTT(cfg.STT)
		if err != nil {
			slog.Error("failed to build stt provider", "err", err)
			return 1
		}

		ttsClient, err := buildTTS(cfg.TTS)
		if err != nil {
			slog.Error("failed to build tts provider", "err", err)
			return 1
		}

		manager := session.NewManager(session.ManagerConfig{
			Carrier:        carrierProvider,
			STT:            sttProvider,
			TTS:            ttsClient,
			Voice:          tts.VoiceProfile{ID: cfg.TTS.VoiceID},
			WebhookBaseURL: cfg.PublicBaseURL,
			MediaStreamURL: func(token string) string { return mediaStreamURL(cfg.PublicBaseURL, token) },
			Config: session.EngineConfig{
				TranscriptTimeout:     cfg.TranscriptTimeout,
				ConnectTimeout:        cfg.ConnectTimeout,
				EndOfUtteranceSilence: cfg.EndOfUtteranceSilence,
			},
		})

		disp = dispatcher.New(manager).WithDefaultNumbers(cfg.Carrier.FromNumber, cfg.Carrier.ToNumber)
		httpServer = buildHTTPServer(cfg, manager, carrierProvider)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if httpServer != nil {
		group.Go(func() error {
			slog.Info("webhook+media-stream server listening", "addr", cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})

		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			slog.Info("shutdown signal received, stopping…")
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		slog.Info("tool dispatcher serving on stdio")
		if err := disp.Run(groupCtx, "callwire", "0.1.0"); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func buildHTTPServer(cfg *config.Config, manager *session.Manager, carrierProvider carrier.Provider) *http.Server {
	mux := http.NewServeMux()

	webhookEndpoint := webhook.NewEndpoint(webhook.Config{
		Manager:       manager,
		Provider:      carrierProvider,
		PublicBaseURL: cfg.PublicBaseURL,
		AllowUnsigned: cfg.AllowUnsigned,
	})
	mux.Handle("/twiml", webhookEndpoint.Handler())

	mediaStreamEndpoint := mediastream.NewEndpoint(mediastream.EndpointConfig{Manager: manager})
	mux.Handle("/media-stream", mediaStreamEndpoint.Handler())

	healthHandler := health.New(health.Checker{
		Name: "providers",
		Check: func(_ context.Context) error {
			var open []string
			for provider, state := range manager.ProviderStates() {
				if state == resilience.StateOpen {
					open = append(open, provider)
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("circuit open for: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}).WithLiveSessions(manager.LiveSessionCount)
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
}

func buildCarrier(cfg config.CarrierConfig) (carrier.Provider, error) {
	switch cfg.Variant {
	case config.CarrierVariantPlivoapi:
		return plivoapi.New(cfg.AccountID, cfg.AccountSecret), nil
	case config.CarrierVariantTelnyxapi:
		return telnyxapi.New(cfg.AccountID, cfg.AccountSecret, cfg.WebhookPublicKey)
	default:
		return nil, fmt.Errorf("unknown carrier variant %q", cfg.Variant)
	}
}

func buildSTT(cfg config.STTConfig) (stt.Provider, error) {
	switch cfg.Backend {
	case config.STTBackendDeepgramlike:
		var opts []deepgramlike.Option
		if cfg.Model != "" {
			opts = append(opts, deepgramlike.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, deepgramlike.WithEndpoint(cfg.BaseURL))
		}
		return deepgramlike.New(cfg.APIKey, opts...)
	case config.STTBackendWhispernative:
		return whispernative.New(cfg.Model, "")
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.Backend)
	}
}

func buildTTS(cfg config.TTSConfig) (tts.Client, error) {
	switch cfg.Backend {
	case config.TTSBackendElevenlabslike:
		var opts []elevenlabslike.Option
		if cfg.Model != "" {
			opts = append(opts, elevenlabslike.WithModel(cfg.Model))
		}
		return elevenlabslike.New(cfg.APIKey, opts...)
	case config.TTSBackendOpenaispeech:
		var opts []openaispeech.Option
		if cfg.Model != "" {
			opts = append(opts, openaispeech.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openaispeech.WithBaseURL(cfg.BaseURL))
		}
		return openaispeech.New(cfg.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Backend)
	}
}

func mediaStreamURL(publicBaseURL, token string) string {
	base := publicBaseURL
	switch {
	case len(base) >= len("https://") && base[:8] == "https://":
		base = "wss://" + base[8:]
	case len(base) >= len("http://") && base[:7] == "http://":
		base = "ws://" + base[7:]
	}
	return base + "/media-stream?token=" + token
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
