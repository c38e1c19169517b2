// Package telegram sends operator messages through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

const httpTimeout = 10 * time.Second

// Config configures the Telegram transport.
type Config struct {
	Token  string
	ChatID string
	APIURL string
}

// Validate checks that a configured transport has both credentials.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("telegram token is required"))
	}
	if strings.TrimSpace(c.ChatID) == "" {
		errs = append(errs, errors.New("telegram chat id is required"))
	}
	if c.APIURL != "" {
		if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("telegram api url %q is not absolute", c.APIURL))
		}
	}
	return errors.Join(errs...)
}

// Notifier posts messages with the sendMessage method.
type Notifier struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// New creates a Telegram notifier.
func New(cfg Config) *Notifier {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultAPIURL
	}
	return &Notifier{
		endpoint: base + "/bot" + cfg.Token + "/sendMessage",
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// Name implements notify.Transport.
func (n *Notifier) Name() string { return "telegram" }

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts text with Markdown parse mode.
func (n *Notifier) Send(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":    {n.chatID},
		"text":       {text},
		"parse_mode": {"Markdown"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req) //nolint:gosec // endpoint is built from trusted config
	if err != nil {
		// the url carries the bot token; keep it out of the error
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: post sendMessage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ar apiResponse
	_ = json.Unmarshal(raw, &ar)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !ar.OK {
		desc := ar.Description
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("telegram: sendMessage returned %d: %s", resp.StatusCode, desc)
	}
	return nil
}
