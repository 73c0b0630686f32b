package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTelegramURL is the Telegram Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

// Telegram talks to the Telegram Bot API over HTTP.
type Telegram struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewTelegram creates a client for the bot identified by token. An empty
// baseURL uses DefaultTelegramURL.
func NewTelegram(baseURL, token string) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &Telegram{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			// Long polls hold the connection for up to their own timeout.
			Timeout: 90 * time.Second,
		},
	}
}

// Update is one entry returned by getUpdates or posted to a webhook.
type Update struct {
	UpdateID int64        `json:"update_id"`
	Message  *ChatMessage `json:"message,omitempty"`
}

// ChatMessage is the subset of a Telegram message the bot reads.
type ChatMessage struct {
	MessageID int64         `json:"message_id"`
	From      *TelegramUser `json:"from,omitempty"`
	Chat      ChatInfo      `json:"chat"`
	Text      string        `json:"text"`
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type ChatInfo struct {
	ID int64 `json:"id"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (c *Telegram) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// sendMessageRequest is the JSON body for sendMessage.
type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage posts text to chatID.
func (c *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	if err != nil {
		return fmt.Errorf("sending message to %s: %w", chatID, err)
	}
	return nil
}

// GetUpdates long-polls for updates after offset, waiting up to timeout.
func (c *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	raw, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("getting updates: %w", err)
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decoding updates: %w", err)
	}
	return updates, nil
}

func (c *Telegram) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("unexpected status %d: decoding response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.OK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, env.Description)
	}
	return env.Result, nil
}

// transportError drops the request URL from err, since the URL path carries
// the bot token and the error ends up in logs and the delivery log.
func (c *Telegram) transportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		method := uerr.URL
		if i := strings.LastIndex(method, "/"); i >= 0 {
			method = method[i+1:]
		}
		if i := strings.Index(method, "?"); i >= 0 {
			method = method[:i]
		}
		return fmt.Errorf("%s %s: %w", strings.ToLower(uerr.Op), method, uerr.Err)
	}
	if c.token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.token, "<redacted>"))
}
