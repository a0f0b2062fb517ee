package deepgramlike_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/callwire/callwire/pkg/stt"
	"github.com/callwire/callwire/pkg/stt/deepgramlike"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnect_SendsConfiguredQueryParams(t *testing.T) {
	t.Parallel()
	modelCh := make(chan string, 1)
	encodingCh := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelCh <- r.URL.Query().Get("model")
		encodingCh <- r.URL.Query().Get("encoding")
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := deepgramlike.New("api-key", deepgramlike.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(context.Background(), stt.StreamConfig{SampleRate: 8000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case model := <-modelCh:
		if model != "nova-3" {
			t.Errorf("model = %q, want nova-3", model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	if encoding := <-encodingCh; encoding != "mulaw" {
		t.Errorf("encoding = %q, want mulaw", encoding)
	}
}

func TestWaitForTranscript_ReceivesFinal(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx := context.Background()
		_, _, _ = conn.Read(ctx) // drain one audio write, ignore its content

		payload, _ := json.Marshal(map[string]any{
			"type":     "Results",
			"is_final": true,
			"channel": map[string]any{
				"alternatives": []map[string]any{
					{"transcript": "hello there"},
				},
			},
		})
		_ = conn.Write(ctx, websocket.MessageText, payload)
		<-conn.CloseRead(ctx).Done()
	})

	p, err := deepgramlike.New("api-key", deepgramlike.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{0xFF, 0xFF}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	text, err := sess.WaitForTranscript(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForTranscript: %v", err)
	}
	if text != "hello there" {
		t.Errorf("transcript = %q, want %q", text, "hello there")
	}
}

func TestWaitForTranscript_Timeout(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := deepgramlike.New("api-key", deepgramlike.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	_, err = sess.WaitForTranscript(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a TranscriptTimeout error")
	}
}

func TestNew_RejectsEmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := deepgramlike.New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}
