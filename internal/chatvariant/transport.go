// Package chatvariant implements the text-chat alternative to the voice
// session engine: a long-polling chat-bot transport driving the same
// initiate/continue/speak_only/end operation set the dispatcher expects.
package chatvariant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Update is one inbound chat-bot update.
type Update struct {
	UpdateID int64
	ChatID   int64
	Text     string
}

// Transport is the chat-bot API surface the engine drives: send a message,
// long-poll for updates.
type Transport interface {
	// SendMessage delivers text to chatID. When markdown is true the
	// message is sent with Markdown parsing enabled.
	SendMessage(ctx context.Context, chatID int64, text string, markdown bool) error

	// GetUpdates long-polls for updates with update_id >= offset, blocking
	// up to timeoutSeconds for at least one to arrive.
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error)
}

// entitiesParseErrorMarker is the substring the chat-bot API's error body
// carries when a sendMessage call's Markdown could not be parsed.
const entitiesParseErrorMarker = "can't parse entities"

// httpTransport implements [Transport] against a Telegram-Bot-API-shaped
// HTTP API: POST .../sendMessage, GET .../getUpdates.
type httpTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPTransport constructs a [Transport] backed by the bot API reachable
// at baseURL (typically "https://api.telegram.org/bot<token>").
func NewHTTPTransport(baseURL string) Transport {
	return &httpTransport{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

func (t *httpTransport) SendMessage(ctx context.Context, chatID int64, text string, markdown bool) error {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if markdown {
		body["parse_mode"] = "Markdown"
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chatvariant: encode sendMessage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sendMessage", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("chatvariant: build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatvariant: sendMessage: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("chatvariant: read sendMessage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &sendMessageError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// sendMessageError carries the raw API error so callers can detect the
// Markdown-entities-parse failure and retry as plain text.
type sendMessageError struct {
	StatusCode int
	Body       string
}

func (e *sendMessageError) Error() string {
	return fmt.Sprintf("chatvariant: sendMessage status %d: %s", e.StatusCode, e.Body)
}

func isEntitiesParseError(err error) bool {
	sme, ok := err.(*sendMessageError)
	if !ok {
		return false
	}
	return sme.StatusCode == http.StatusBadRequest && strings.Contains(sme.Body, entitiesParseErrorMarker)
}

type updateDTO struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

func (t *httpTransport) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	query := fmt.Sprintf("?offset=%d&timeout=%d", offset, timeoutSeconds)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/getUpdates"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("chatvariant: build getUpdates request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatvariant: getUpdates: %w", err)
	}
	defer resp.Body.Close()

	var decoded apiResponse[[]updateDTO]
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("chatvariant: decode getUpdates response: %w", err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("chatvariant: getUpdates: %s", decoded.Description)
	}

	updates := make([]Update, 0, len(decoded.Result))
	for _, u := range decoded.Result {
		if u.Message == nil {
			continue
		}
		updates = append(updates, Update{UpdateID: u.UpdateID, ChatID: u.Message.Chat.ID, Text: u.Message.Text})
	}
	return updates, nil
}

// ParseChatID parses a tool-supplied chat identifier string into its
// numeric form.
func ParseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
