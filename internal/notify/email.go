package notify

import (
	"context"
	"errors"
	"net/textproto"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/config"
	"github.com/airaware/airaware/internal/storage"
)

// EmailChannel delivers alerts over SMTP, one message per recipient so the
// ledger tracks each address independently.
type EmailChannel struct {
	cfg          config.EmailConfig
	dashboardURL string

	// send is the SMTP submission, replaceable in tests.
	send func(ctx context.Context, to, subject, body string) error

	// sleep is the retry backoff sleep, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEmailChannel creates the SMTP channel.
func NewEmailChannel(cfg config.EmailConfig, dashboardURL string) *EmailChannel {
	c := &EmailChannel{cfg: cfg, dashboardURL: dashboardURL, sleep: sleepSend}
	c.send = c.smtpSend
	return c
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) MinSeverity() storage.Severity { return storage.SeverityWarning }

func (c *EmailChannel) Targets(context.Context, storage.Alert) ([]Target, error) {
	targets := make([]Target, 0, len(c.cfg.Recipients))
	for _, addr := range c.cfg.Recipients {
		targets = append(targets, Target{ID: addr})
	}
	return targets, nil
}

// Send submits the message, retrying transient SMTP failures with the same
// jittered backoff the HTTP channels get from their client. Permanent
// server rejections (5xx replies) fail on the first attempt; retrying a
// rejected recipient cannot succeed.
func (c *EmailChannel) Send(ctx context.Context, alert storage.Alert, target Target) error {
	subject := renderSubject(alert)
	body := renderBody(alert, c.dashboardURL)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, jitterBackoff(0, 0, attempt-1, nil)); err != nil {
				return aerr.Wrap(aerr.KindTransient, "notify: send email", err)
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		lastErr = c.send(attemptCtx, target.ID, subject, body)
		cancel()
		if lastErr == nil {
			return nil
		}
		if permanentSMTP(lastErr) {
			return aerr.Wrap(aerr.KindPermanent, "notify: send email", lastErr)
		}
	}
	return aerr.Wrap(aerr.KindTransient, "notify: send email", lastErr)
}

// permanentSMTP reports whether err is a rejection retrying cannot fix: a
// non-temporary go-mail send error, or a raw SMTP 5xx reply.
func permanentSMTP(err error) bool {
	var se *mail.SendError
	if errors.As(err, &se) {
		return !se.IsTemp()
	}
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code >= 500 && te.Code < 600
	}
	return false
}

func (c *EmailChannel) smtpSend(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(c.cfg.User); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{mail.WithPort(c.cfg.Port)}
	if c.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.cfg.User),
			mail.WithPassword(c.cfg.Pass))
	}
	if c.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func sleepSend(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
