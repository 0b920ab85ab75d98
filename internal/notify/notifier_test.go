package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/config"
	"github.com/airaware/airaware/internal/metrics"
	"github.com/airaware/airaware/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testAlert(sev storage.Severity) storage.Alert {
	return storage.Alert{
		ID:              "alert-1",
		Type:            storage.AlertPM25High,
		Severity:        sev,
		Message:         "PM2.5 60 µg/m³ exceeds 55.4 µg/m³",
		SensorID:        "S1",
		TriggeredAt:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		LastSeen:        time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		OccurrenceCount: 1,
	}
}

// fakeChannel records deliveries.
type fakeChannel struct {
	name string
	min  storage.Severity

	mu    sync.Mutex
	sends []string
}

func (c *fakeChannel) Name() string                  { return c.name }
func (c *fakeChannel) MinSeverity() storage.Severity { return c.min }
func (c *fakeChannel) Targets(context.Context, storage.Alert) ([]Target, error) {
	return []Target{{ID: c.name + "-target"}}, nil
}
func (c *fakeChannel) Send(_ context.Context, alert storage.Alert, target Target) error {
	c.mu.Lock()
	c.sends = append(c.sends, alert.ID+"/"+target.ID)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func newTestNotifier(t *testing.T, channels ...Channel) *Notifier {
	t.Helper()
	ledger := openTestLedger(t)
	n := NewNotifier(channels, ledger, metrics.New(), testLogger(), 2, 16)
	n.Start()
	t.Cleanup(func() { n.Stop(time.Second) })
	return n
}

func TestNotifier_SeverityRouting(t *testing.T) {
	cases := []struct {
		severity  storage.Severity
		wantChat  int
		wantEmail int
		wantSMS   int
		wantPush  int
	}{
		{storage.SeverityInfo, 0, 0, 0, 0},
		{storage.SeverityWarning, 1, 1, 0, 0},
		{storage.SeverityCritical, 1, 1, 1, 1},
		{storage.SeverityDanger, 1, 1, 1, 1},
	}

	for _, tc := range cases {
		t.Run(string(tc.severity), func(t *testing.T) {
			chat := &fakeChannel{name: "slack", min: storage.SeverityWarning}
			email := &fakeChannel{name: "email", min: storage.SeverityWarning}
			sms := &fakeChannel{name: "sms", min: storage.SeverityCritical}
			push := &fakeChannel{name: "push", min: storage.SeverityCritical}

			n := newTestNotifier(t, chat, email, sms, push)
			if err := n.Enqueue(context.Background(), testAlert(tc.severity)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			n.Stop(time.Second)

			if got := chat.sendCount(); got != tc.wantChat {
				t.Errorf("chat sends = %d, want %d", got, tc.wantChat)
			}
			if got := email.sendCount(); got != tc.wantEmail {
				t.Errorf("email sends = %d, want %d", got, tc.wantEmail)
			}
			if got := sms.sendCount(); got != tc.wantSMS {
				t.Errorf("sms sends = %d, want %d", got, tc.wantSMS)
			}
			if got := push.sendCount(); got != tc.wantPush {
				t.Errorf("push sends = %d, want %d", got, tc.wantPush)
			}
		})
	}
}

func TestNotifier_LedgerSuppressesDuplicateEnqueue(t *testing.T) {
	chat := &fakeChannel{name: "slack", min: storage.SeverityWarning}
	n := newTestNotifier(t, chat)

	alert := testAlert(storage.SeverityWarning)
	for i := 0; i < 3; i++ {
		if err := n.Enqueue(context.Background(), alert); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	n.Stop(time.Second)

	if got := chat.sendCount(); got != 1 {
		t.Errorf("sends = %d, want 1 (cooldown suppression)", got)
	}
}

func TestNotifier_EnqueueHonorsContext(t *testing.T) {
	ledger := openTestLedger(t)
	// Queue of 1 and no workers started: the second enqueue must block.
	n := NewNotifier(nil, ledger, metrics.New(), testLogger(), 1, 1)

	if err := n.Enqueue(context.Background(), testAlert(storage.SeverityWarning)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.Enqueue(ctx, testAlert(storage.SeverityWarning)); err == nil {
		t.Fatal("second enqueue returned nil on a full queue")
	}
}

func TestNotifier_ReplayUnresolved(t *testing.T) {
	chat := &fakeChannel{name: "slack", min: storage.SeverityWarning}
	n := newTestNotifier(t, chat)

	store := &fakeAlertLister{alerts: []storage.Alert{
		testAlert(storage.SeverityWarning),
		func() storage.Alert {
			a := testAlert(storage.SeverityCritical)
			a.ID = "alert-2"
			return a
		}(),
	}}
	if err := n.ReplayUnresolved(context.Background(), store); err != nil {
		t.Fatalf("replay: %v", err)
	}
	n.Stop(time.Second)

	if got := chat.sendCount(); got != 2 {
		t.Errorf("sends = %d, want 2", got)
	}
}

type fakeAlertLister struct {
	alerts []storage.Alert
}

func (f *fakeAlertLister) ListUnresolvedAlerts(context.Context) ([]storage.Alert, error) {
	return f.alerts, nil
}

// --- chat channel against httptest ---

func TestChatChannel_PostsWebhook(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, "https://dash.example.com")
	if err := ch.Send(context.Background(), testAlert(storage.SeverityWarning), Target{ID: "slack-webhook"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestChatChannel_PermanentRejectionNotRetried(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ch := NewDiscordChannel(srv.URL, "")
	err := ch.Send(context.Background(), testAlert(storage.SeverityWarning), Target{ID: "discord-webhook"})
	if err == nil {
		t.Fatal("expected error for 403")
	}
	if !aerr.IsPermanent(err) {
		t.Errorf("error kind = %v, want permanent", aerr.KindOf(err))
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1 (no retry on 4xx)", requests)
	}
}

func TestChatChannel_TransientFailureRetriedThreeTimes(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, "")
	ch.client.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration { return 0 }

	err := ch.Send(context.Background(), testAlert(storage.SeverityWarning), Target{ID: "slack-webhook"})
	if err == nil {
		t.Fatal("expected error for persistent 500")
	}
	if requests != maxAttempts {
		t.Errorf("requests = %d, want %d", requests, maxAttempts)
	}
}

// --- sms channel against httptest ---

func TestSMSChannel_SendsProviderRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "AC123" {
			t.Errorf("basic auth user = %q", user)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if to := r.PostForm.Get("To"); to != "+21612345678" {
			t.Errorf("To = %q", to)
		}
		if from := r.PostForm.Get("From"); from != "+10000000000" {
			t.Errorf("From = %q", from)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ch := NewSMSChannel(smsConfig(), srv.URL)
	err := ch.Send(context.Background(), testAlert(storage.SeverityCritical), Target{ID: "+21612345678"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSMSChannel_InvalidNumberIsPermanent(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ch := NewSMSChannel(smsConfig(), srv.URL)
	err := ch.Send(context.Background(), testAlert(storage.SeverityCritical), Target{ID: "not-a-number"})
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if !aerr.IsPermanent(err) {
		t.Errorf("error kind = %v, want permanent", aerr.KindOf(err))
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

// --- email channel with stubbed SMTP ---

func TestEmailChannel_RetriesTransientFailures(t *testing.T) {
	ch := NewEmailChannel(emailConfig(), "")
	ch.sleep = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	ch.send = func(_ context.Context, to, subject, _ string) error {
		attempts++
		if attempts < 3 {
			return context.DeadlineExceeded
		}
		if to != "ops@example.com" || subject == "" {
			t.Errorf("to = %q subject = %q", to, subject)
		}
		return nil
	}

	err := ch.Send(context.Background(), testAlert(storage.SeverityWarning), Target{ID: "ops@example.com"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestEmailChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	ch := NewEmailChannel(emailConfig(), "")
	ch.sleep = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	ch.send = func(context.Context, string, string, string) error {
		attempts++
		return context.DeadlineExceeded
	}

	err := ch.Send(context.Background(), testAlert(storage.SeverityWarning), Target{ID: "ops@example.com"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxAttempts)
	}
}

func TestEmailChannel_PermanentRejectionFailsWithoutRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"smtp 550 reply", &textproto.Error{Code: 550, Msg: "mailbox unavailable"}},
		{"non-temporary send error", &mail.SendError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := NewEmailChannel(emailConfig(), "")
			ch.sleep = func(context.Context, time.Duration) error {
				t.Error("backoff slept before a permanent rejection")
				return nil
			}

			attempts := 0
			ch.send = func(context.Context, string, string, string) error {
				attempts++
				return fmt.Errorf("smtp submission: %w", tc.err)
			}

			err := ch.Send(context.Background(), testAlert(storage.SeverityWarning), Target{ID: "ops@example.com"})
			if !aerr.IsPermanent(err) {
				t.Fatalf("err = %v, want Permanent", err)
			}
			if attempts != 1 {
				t.Errorf("attempts = %d, want 1", attempts)
			}
		})
	}
}

func smsConfig() config.SMSConfig {
	return config.SMSConfig{
		Enabled:    true,
		SID:        "AC123",
		Token:      "secret",
		From:       "+10000000000",
		Recipients: []string{"+21612345678"},
	}
}

func emailConfig() config.EmailConfig {
	return config.EmailConfig{
		Enabled:    true,
		Host:       "smtp.example.com",
		Port:       587,
		User:       "airaware@example.com",
		Recipients: []string{"ops@example.com"},
	}
}
