// Package mediastream implements the inbound media-stream WebSocket
// endpoint: token-authenticated upgrade, inbound control-frame
// demultiplexing, and the outbound socket the session engine writes
// μ-law frames through.
package mediastream

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/callwire/callwire/internal/session"
)

// inboundTrack labels identify the caller-voice track in a "media" frame;
// different carriers use different labels for the same thing.
const (
	trackInbound      = "inbound"
	trackInboundAlias = "inbound_track"
)

// inboundFrame is the union of every control-message shape the endpoint
// recognizes. Unknown fields are ignored; an unrecognized Event is logged
// and dropped without terminating the connection.
type inboundFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

// outboundFrame is the wire shape of a process-produced audio frame.
type outboundFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// EndpointConfig configures an [Endpoint].
type EndpointConfig struct {
	Manager *session.Manager

	// DevAllowAnyToken relaxes the token check for local development. The
	// carrier still must supply a token that maps to a live session; only
	// the constant-time comparison against the session's stored token is
	// skipped.
	DevAllowAnyToken bool
}

// Endpoint serves the carrier's media-stream WebSocket.
type Endpoint struct {
	manager *session.Manager
	devMode bool
}

// NewEndpoint constructs an Endpoint from cfg.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	return &Endpoint{manager: cfg.Manager, devMode: cfg.DevAllowAnyToken}
}

// Handler returns an http.Handler serving the media-stream upgrade path.
func (e *Endpoint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /media-stream", e.handleUpgrade)
	return mux
}

func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	sess, ok := e.manager.LookupByToken(token)
	if !ok {
		http.Error(w, "unknown token", http.StatusUnauthorized)
		return
	}
	if !e.devMode && subtle.ConstantTimeCompare([]byte(token), []byte(sess.Token())) != 1 {
		http.Error(w, "token mismatch", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("mediastream: upgrade failed", "err", err)
		return
	}

	sock := &outboundSocket{conn: conn, sess: sess}
	if _, err := e.manager.BindSocket(token, sock); err != nil {
		slog.Warn("mediastream: bind socket failed", "session_id", sess.ID(), "err", err)
		conn.Close(websocket.StatusInternalError, "no such session")
		return
	}

	e.readLoop(r.Context(), conn, sess)
}

// readLoop demultiplexes inbound control frames until the connection
// closes or the context is done. Malformed JSON is logged and skipped;
// it never terminates the connection by itself.
func (e *Endpoint) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			e.manager.OnStreamStop(sess)
			return
		}

		var frame inboundFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			slog.Warn("mediastream: malformed frame", "session_id", sess.ID(), "err", jsonErr)
			continue
		}

		switch frame.Event {
		case "start":
			e.manager.OnStreamStart(sess, frame.StreamSID)
		case "stop":
			e.manager.OnStreamStop(sess)
		case "media":
			if frame.Media.Track != trackInbound && frame.Media.Track != trackInboundAlias {
				continue // outbound-track echo frame, discarded
			}
			payload, decodeErr := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if decodeErr != nil {
				slog.Warn("mediastream: malformed media payload", "session_id", sess.ID(), "err", decodeErr)
				continue
			}
			if feedErr := e.manager.FeedAudio(sess, payload); feedErr != nil {
				slog.Warn("mediastream: feed audio error", "session_id", sess.ID(), "err", feedErr)
			}
		default:
			// Unrecognized event, ignored.
		}
	}
}

// outboundSocket implements session.OutboundSocket over a coder/websocket
// connection. It always attaches the stream sub-identifier when the
// session holds one, regardless of carrier variant.
type outboundSocket struct {
	conn *websocket.Conn
	sess *session.Session
}

func (s *outboundSocket) Send(ctx context.Context, mulawFrame []byte) error {
	frame := outboundFrame{Event: "media", StreamSID: s.sess.StreamSID()}
	frame.Media.Payload = base64.StdEncoding.EncodeToString(mulawFrame)

	encoded, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("mediastream: encode frame: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, encoded)
}

func (s *outboundSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session ended")
}
