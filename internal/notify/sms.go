package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/config"
	"github.com/airaware/airaware/internal/storage"
)

// SMSChannel delivers alerts through a Twilio-compatible messaging API.
type SMSChannel struct {
	cfg     config.SMSConfig
	apiBase string
	client  *retryablehttp.Client
}

const twilioAPIBase = "https://api.twilio.com"

// NewSMSChannel creates the SMS channel. apiBase overrides the provider
// endpoint; empty means the Twilio API.
func NewSMSChannel(cfg config.SMSConfig, apiBase string) *SMSChannel {
	if apiBase == "" {
		apiBase = twilioAPIBase
	}
	return &SMSChannel{cfg: cfg, apiBase: apiBase, client: newRetryClient()}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) MinSeverity() storage.Severity { return storage.SeverityCritical }

func (c *SMSChannel) Targets(context.Context, storage.Alert) ([]Target, error) {
	targets := make([]Target, 0, len(c.cfg.Recipients))
	for _, number := range c.cfg.Recipients {
		targets = append(targets, Target{ID: number})
	}
	return targets, nil
}

func (c *SMSChannel) Send(ctx context.Context, alert storage.Alert, target Target) error {
	form := url.Values{}
	form.Set("To", target.ID)
	form.Set("From", c.cfg.From)
	form.Set("Body", renderSubject(alert)+"\n"+alert.Message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.apiBase, c.cfg.SID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return aerr.Wrap(aerr.KindPermanent, "notify: build sms request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.SID, c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "notify: send sms", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// 400 from the provider covers invalid numbers; never retried.
	kind := aerr.KindTransient
	if permanentStatus(resp.StatusCode) {
		kind = aerr.KindPermanent
	}
	return aerr.Newf(kind, "notify: send sms", "status %d for %s", resp.StatusCode, target.ID)
}
