// Package webhook implements the carrier control webhook: signature
// verification, control-event parsing, and routing to the session engine.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/callwire/callwire/internal/session"
	"github.com/callwire/callwire/pkg/carrier"
)

// Config configures an [Endpoint].
type Config struct {
	Manager  *session.Manager
	Provider carrier.Provider

	// PublicBaseURL is this process's publicly reachable base URL (behind
	// the tunnel), used to reconstruct the full URL for signature
	// verification and to build the media-stream WebSocket URL embedded in
	// the streaming XML response.
	PublicBaseURL string

	// AllowUnsigned relaxes signature verification for local development.
	AllowUnsigned bool
}

// Endpoint serves the carrier's control webhook.
type Endpoint struct {
	manager       *session.Manager
	provider      carrier.Provider
	publicBaseURL string
	allowUnsigned bool
}

// NewEndpoint constructs an Endpoint from cfg.
func NewEndpoint(cfg Config) *Endpoint {
	return &Endpoint{
		manager:       cfg.Manager,
		provider:      cfg.Provider,
		publicBaseURL: cfg.PublicBaseURL,
		allowUnsigned: cfg.AllowUnsigned,
	}
}

// Handler returns an http.Handler serving the control webhook path.
func (e *Endpoint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /twiml", e.handleTwiml)
	return mux
}

func (e *Endpoint) handleTwiml(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	fullURL := e.publicBaseURL + r.URL.RequestURI()
	if !e.provider.VerifySignature(fullURL, r.Header, body) && !e.allowUnsigned {
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	event, err := e.provider.ParseControlEvent(body, r.Header)
	if err != nil {
		slog.Warn("webhook: parse control event", "err", err)
		http.Error(w, "malformed control event", http.StatusBadRequest)
		return
	}

	var sess *session.Session
	if handle := e.provider.ExtractHandle(body); handle != "" {
		if s, ok := e.manager.LookupByHandle(handle); ok {
			sess = s
			e.manager.HandleControlEvent(handle, event)
		}
		if event == carrier.EventCallAnswered && sess != nil {
			if startErr := e.provider.StartStream(r.Context(), handle, e.websocketURL(sess)); startErr != nil {
				slog.Warn("webhook: start stream", "handle", handle, "err", startErr)
			}
		}
	}

	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.provider.StreamingXML(e.websocketURL(sess))))
}

func (e *Endpoint) websocketURL(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	base := strings.Replace(e.publicBaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/media-stream?token=" + sess.Token()
}
