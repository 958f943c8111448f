package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jwalitptl/caseflow/internal/model"
)

type SMSConfig struct {
	Endpoint string
	APIKey   string
	Sender   string
	Timeout  time.Duration
}

// SMSAdapter posts a form to an HTTP SMS gateway.
type SMSAdapter struct {
	cfg    SMSConfig
	client *http.Client
}

func NewSMSAdapter(cfg SMSConfig, client *http.Client) *SMSAdapter {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &SMSAdapter{cfg: cfg, client: client}
}

func (a *SMSAdapter) Channel() model.Channel {
	return model.ChannelSMS
}

type smsResponse struct {
	MessageID string `json:"message_id"`
}

func (a *SMSAdapter) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.Address == "" {
		return Result{}, ErrNoAddress
	}
	if a.cfg.Endpoint == "" {
		return Result{}, fmt.Errorf("sms endpoint not configured")
	}

	form := url.Values{}
	form.Set("to", msg.Address)
	form.Set("from", a.cfg.Sender)
	form.Set("text", msg.Body)
	form.Set("reference", msg.NotificationID.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.cfg.APIKey != "" {
		req.Header.Set("apikey", a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("sms http error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("sms api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed smsResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.MessageID == "" {
		return Result{ProviderMessageID: strings.TrimSpace(string(body))}, nil
	}
	return Result{ProviderMessageID: parsed.MessageID}, nil
}
