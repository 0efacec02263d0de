// Package rest talks to the platform's REST API. It is a consumer only:
// conversation, notification and exchange-request state is authored there,
// and the reconciler layers live relay events on top of what it fetches here.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/skillmesh/skillmesh/internal/util"
)

// Conversation is one exchange relationship as the server reports it.
type Conversation struct {
	ID          string   `json:"id"`
	PeerID      string   `json:"peer_id"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Message is one chat message in a conversation history page.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sent_at"`
}

// Notification is one entry of the authenticated user's feed.
type Notification struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Body      string `json:"body"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at"`
}

// ExchangeRequest is one skill-exchange request involving the user.
type ExchangeRequest struct {
	ID        string `json:"id"`
	FromUser  string `json:"from_user"`
	ToUser    string `json:"to_user"`
	Skill     string `json:"skill"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = util.NormalizeURL(baseURL)
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP: &http.Client{
			Timeout: util.DefaultFetchTimeout,
		},
	}
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v. Returns (true, nil) on 2xx. Returns (false, nil) if the server
// returns 404 or 502 (endpoint not available). Returns (false, err) on other
// non-2xx status or transport/decode errors.
func (c *Client) getJSON(ctx context.Context, url string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// postJSON performs a POST request with an optional JSON body and drains the
// response. Only the status matters to callers.
func (c *Client) postJSON(ctx context.Context, url string, body any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %s", url, resp.Status)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// ListConversations fetches the conversation list, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	var out []Conversation
	found, err := c.getJSON(ctx, c.BaseURL+"/api/conversations", &out)
	if !found || err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the newest page of a conversation's messages, oldest first
// within the page.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	u := fmt.Sprintf("%s/api/conversations/%s/messages?limit=%d", c.BaseURL, conversationID, limit)
	var out []Message
	found, err := c.getJSON(ctx, u, &out)
	if !found || err != nil {
		return nil, err
	}
	return out, nil
}

// ListNotifications fetches the notification feed, most recent first.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	var out []Notification
	found, err := c.getJSON(ctx, c.BaseURL+"/api/notifications", &out)
	if !found || err != nil {
		return nil, err
	}
	return out, nil
}

// ListRequests fetches the exchange requests involving the user.
func (c *Client) ListRequests(ctx context.Context) ([]ExchangeRequest, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	var out []ExchangeRequest
	found, err := c.getJSON(ctx, c.BaseURL+"/api/requests", &out)
	if !found || err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead persists that a conversation has been read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	if c.BaseURL == "" {
		return nil
	}
	return c.postJSON(ctx, c.BaseURL+"/api/conversations/"+conversationID+"/read", nil)
}

// MarkAllNotificationsRead persists a feed-level mark-all-read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if c.BaseURL == "" {
		return nil
	}
	return c.postJSON(ctx, c.BaseURL+"/api/notifications/read-all", nil)
}
