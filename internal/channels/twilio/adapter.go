package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexus-gateway/conversant/pkg/envelope"
)

// Config configures an Adapter.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string // default: https://api.twilio.com/2010-04-01
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
}

// Adapter is the outbound channel connector for Twilio-style SMS/WhatsApp
// messaging. It also verifies inbound webhook signatures.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
}

// New builds an Adapter. A nil httpClient uses http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Adapter {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{cfg: cfg, httpClient: httpClient}
}

// Type identifies this adapter in the channel registry.
func (a *Adapter) Type() string { return "twilio" }

// VerifyWebhook validates an inbound request's X-Twilio-Signature.
func (a *Adapter) VerifyWebhook(signature, fullURL string, form url.Values) bool {
	return VerifySignature(a.cfg.AuthToken, signature, fullURL, form)
}

// Send delivers one outbound envelope as a Twilio message, attaching
// ReplyAudioURL as media when present.
func (a *Adapter) Send(ctx context.Context, msg envelope.Outbound) error {
	params := url.Values{}
	params.Set("To", msg.UserID)
	params.Set("From", a.cfg.FromNumber)
	params.Set("Body", msg.ReplyText)
	if msg.ReplyAudioURL != "" {
		params.Set("MediaUrl", msg.ReplyAudioURL)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", a.cfg.BaseURL, a.cfg.AccountSID)

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return fmt.Errorf("twilio: API error (status %d): %s", resp.StatusCode, body)
	}
	return nil
}
