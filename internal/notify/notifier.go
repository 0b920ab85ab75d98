package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airaware/airaware/internal/metrics"
	"github.com/airaware/airaware/internal/storage"
)

// Target is one delivery destination within a channel: an email address, a
// phone number, a webhook name, or a push subscription.
type Target struct {
	// ID is the recipient identifier used in the delivery ledger.
	ID string

	// Subscription is set for push targets only.
	Subscription *storage.PushSubscription
}

// Channel is one outbound notification transport. Send owns its retry
// policy; the notifier never re-enqueues a failed delivery.
type Channel interface {
	Name() string

	// MinSeverity is the lowest severity this channel receives.
	MinSeverity() storage.Severity

	// Targets resolves the recipients for alert.
	Targets(ctx context.Context, alert storage.Alert) ([]Target, error)

	// Send delivers alert to one target. The returned error's kind
	// distinguishes permanent rejections from transient failures.
	Send(ctx context.Context, alert storage.Alert, target Target) error
}

// AlertLister is the slice of the repository the startup replay needs.
type AlertLister interface {
	ListUnresolvedAlerts(ctx context.Context) ([]storage.Alert, error)
}

// Notifier consumes persisted alerts from a bounded queue and fans each one
// out to the channels its severity routes to. The queue applies
// backpressure: Enqueue blocks when it is full.
type Notifier struct {
	channels []Channel
	ledger   *Ledger
	metrics  *metrics.Metrics
	log      *slog.Logger

	queue   chan storage.Alert
	workers int

	sendCtx    context.Context
	cancelSend context.CancelFunc
	wg         sync.WaitGroup

	closeOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// NewNotifier creates a notifier over the given channels. Start launches
// the workers.
func NewNotifier(channels []Channel, ledger *Ledger, m *metrics.Metrics, log *slog.Logger, workers, queueCap int) *Notifier {
	if workers < 1 {
		workers = 1
	}
	if queueCap < 1 {
		queueCap = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		channels:   channels,
		ledger:     ledger,
		metrics:    m,
		log:        log,
		queue:      make(chan storage.Alert, queueCap),
		workers:    workers,
		sendCtx:    ctx,
		cancelSend: cancel,
		now:        time.Now,
	}
}

// Start launches the worker pool.
func (n *Notifier) Start() {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for alert := range n.queue {
				n.metrics.NotifyQueue.Add(-1)
				n.dispatch(alert)
			}
		}()
	}
}

// Enqueue hands alert to the notifier. It blocks while the queue is full
// and returns ctx.Err() if the caller is canceled first.
func (n *Notifier) Enqueue(ctx context.Context, alert storage.Alert) error {
	select {
	case n.queue <- alert:
		n.metrics.NotifyQueue.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits up to grace for the workers to drain it.
// Deliveries still running after the grace period are abandoned; their
// alerts are already persisted and reachable via the startup replay.
func (n *Notifier) Stop(grace time.Duration) {
	n.closeOnce.Do(func() { close(n.queue) })

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		n.log.Warn("notifier drain grace expired, abandoning in-flight deliveries")
		n.cancelSend()
		<-done
	}
	n.cancelSend()
}

// ReplayUnresolved enqueues every unresolved alert. Called at startup when
// the replay flag is set; the delivery ledger keeps recipients who were
// already notified from being notified again.
func (n *Notifier) ReplayUnresolved(ctx context.Context, store AlertLister) error {
	alerts, err := store.ListUnresolvedAlerts(ctx)
	if err != nil {
		return fmt.Errorf("notify: replay unresolved: %w", err)
	}
	for _, a := range alerts {
		if err := n.Enqueue(ctx, a); err != nil {
			return err
		}
	}
	n.log.Info("replayed unresolved alerts", slog.Int("count", len(alerts)))
	return nil
}

// dispatch fans one alert out to every eligible channel in parallel and
// waits for all of them.
func (n *Notifier) dispatch(alert storage.Alert) {
	if alert.Severity == storage.SeverityInfo {
		n.log.Info("info alert, not routed",
			slog.String("alert_id", alert.ID),
			slog.String("sensor_id", alert.SensorID),
			slog.String("type", string(alert.Type)))
		return
	}

	var wg sync.WaitGroup
	for _, ch := range n.channels {
		if alert.Severity.Rank() < ch.MinSeverity().Rank() {
			continue
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			n.deliverChannel(ch, alert)
		}(ch)
	}
	wg.Wait()
}

func (n *Notifier) deliverChannel(ch Channel, alert storage.Alert) {
	ctx := n.sendCtx

	targets, err := ch.Targets(ctx, alert)
	if err != nil {
		n.log.Error("resolve notification targets",
			slog.String("channel", ch.Name()),
			slog.String("alert_id", alert.ID),
			slog.Any("error", err))
		return
	}

	for _, target := range targets {
		ok, err := n.ledger.Reserve(ctx, alert.ID, ch.Name(), target.ID, alert.Severity, n.now())
		if err != nil {
			n.log.Error("ledger reserve",
				slog.String("channel", ch.Name()),
				slog.String("alert_id", alert.ID),
				slog.Any("error", err))
			continue
		}
		if !ok {
			n.log.Debug("delivery suppressed by ledger",
				slog.String("channel", ch.Name()),
				slog.String("alert_id", alert.ID),
				slog.String("recipient", target.ID))
			continue
		}

		sendErr := ch.Send(ctx, alert, target)
		if sendErr != nil {
			n.metrics.NotifyFailure.Add(1)
			n.log.Warn("notification delivery failed",
				slog.String("channel", ch.Name()),
				slog.String("alert_id", alert.ID),
				slog.String("recipient", target.ID),
				slog.Any("error", sendErr))
		} else {
			n.metrics.NotifySuccess.Add(1)
		}
		if err := n.ledger.RecordOutcome(ctx, alert.ID, ch.Name(), target.ID, sendErr == nil, n.now()); err != nil {
			n.log.Error("ledger record outcome", slog.Any("error", err))
		}
	}
}

// renderSubject builds the one-line summary used by email, SMS, and chat.
func renderSubject(alert storage.Alert) string {
	return fmt.Sprintf("[%s] %s on %s", alert.Severity, alert.Type, alert.SensorID)
}

// renderBody builds the multi-line notification text.
func renderBody(alert storage.Alert, dashboardURL string) string {
	body := fmt.Sprintf("%s\n\nSensor: %s\nSeverity: %s\nTriggered: %s\nOccurrences: %d\n",
		alert.Message, alert.SensorID, alert.Severity,
		alert.TriggeredAt.UTC().Format(time.RFC3339), alert.OccurrenceCount)
	if dashboardURL != "" {
		body += fmt.Sprintf("\nDashboard: %s/alerts/%s\n", dashboardURL, alert.ID)
	}
	return body
}
