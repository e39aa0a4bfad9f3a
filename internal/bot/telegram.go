// Package bot implements the chat transport: a long-polling Telegram
// client and the two message flows (private chat, gated on group
// membership; whitelisted groups, gated on a bot mention) that feed
// classify requests into the core engine.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const apiBase = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client built directly over
// net/http and encoding/json. No Telegram SDK appears anywhere in the
// retrieval pack, so the long-polling loop is written against the HTTP
// API directly rather than importing one.
type Client struct {
	token string
	base  string
	http  *http.Client
}

// NewClient builds a Client for the given bot token.
func NewClient(token string) *Client {
	return &Client{token: token, base: apiBase, http: &http.Client{}}
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

// User is the subset of Telegram's User object the bot needs.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Chat is the subset of Telegram's Chat object the bot needs.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is the subset of Telegram's Message object the bot needs.
type Message struct {
	MessageID      int64    `json:"message_id"`
	From           *User    `json:"from"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	ReplyToMessage *Message `json:"reply_to_message"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// ChatMember is the subset of Telegram's ChatMember object the bot needs.
type ChatMember struct {
	Status string `json:"status"`
}

// IsMember reports whether a ChatMember status counts as being present in
// the group (as opposed to having left or been kicked).
func (m ChatMember) IsMember() bool {
	switch m.Status {
	case "member", "administrator", "creator", "restricted":
		return true
	default:
		return false
	}
}

func (c *Client) get(ctx context.Context, method string, query url.Values, out any) error {
	u := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("bot: build request for %s: %w", method, err)
	}
	return c.do(req, method, out)
}

func (c *Client) postJSON(ctx context.Context, method string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bot: encode request for %s: %w", method, err)
	}
	u := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("bot: build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bot: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bot: read response from %s: %w", method, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("bot: decode response from %s: %w", method, err)
	}
	return nil
}

// GetMe fetches the bot's own user record, used to resolve its username
// for mention matching in groups.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var resp apiResponse[User]
	if err := c.get(ctx, "getMe", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bot: getMe: %s", resp.Description)
	}
	return &resp.Result, nil
}

// GetUpdates long-polls for new updates starting at offset, waiting up to
// timeoutSec on the server side for one to arrive.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(timeoutSec))
	var resp apiResponse[[]Update]
	if err := c.get(ctx, "getUpdates", q, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bot: getUpdates: %s", resp.Description)
	}
	return resp.Result, nil
}

// SendMessage posts a plain-text reply into chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	var resp apiResponse[Message]
	body := map[string]any{"chat_id": chatID, "text": text}
	if err := c.postJSON(ctx, "sendMessage", body, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("bot: sendMessage: %s", resp.Description)
	}
	return nil
}

// GetChatMember reports a user's membership status in chatID, used to gate
// the private-chat flow on required-group membership.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	q.Set("user_id", strconv.FormatInt(userID, 10))
	var resp apiResponse[ChatMember]
	if err := c.get(ctx, "getChatMember", q, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bot: getChatMember: %s", resp.Description)
	}
	return &resp.Result, nil
}
