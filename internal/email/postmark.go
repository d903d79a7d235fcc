package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL points the client at another Postmark-compatible endpoint.
func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		apiURL:      defaultAPIURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// Send delivers an outbox email message. Rejections the API will repeat on
// retry (bad address, bad payload) are permanent.
func (c *Client) Send(ctx context.Context, msg model.OutboxMessage) error {
	if !c.Configured() {
		return fmt.Errorf("%w: email client not configured: missing server token", outbox.ErrPermanent)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: email message has no recipient", outbox.ErrPermanent)
	}
	var n model.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return fmt.Errorf("%w: decode notification: %v", outbox.ErrPermanent, err)
	}
	return c.SendNotification(ctx, msg.Recipient, n)
}

// SendNotification emails a notification, linking to its URL when it has one.
func (c *Client) SendNotification(ctx context.Context, to string, n model.Notification) error {
	textBody := n.Body
	htmlBody := fmt.Sprintf("<p>%s</p>", html.EscapeString(n.Body))
	if n.URL != "" {
		link := c.baseURL + n.URL
		textBody += "\n\n" + link
		htmlBody += fmt.Sprintf(`<p><a href="%s">Open Nightwatch</a></p>`, html.EscapeString(link))
	}

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       to,
		Subject:  n.Title,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      n.Tag,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: postmark API error: status %d", outbox.ErrPermanent, resp.StatusCode)
	}

	return nil
}
