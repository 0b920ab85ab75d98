package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/storage"
)

// SubscriptionStore is the slice of the repository the push channel needs.
type SubscriptionStore interface {
	ListActivePushSubscriptions(ctx context.Context, operatorOnly bool) ([]storage.PushSubscription, error)
	RecordPushAttempt(ctx context.Context, endpoint string, success, permanent bool) error
}

// PushChannel delivers Web Push notifications per active subscription.
// Every outcome is fed back into the subscription's failure accounting.
type PushChannel struct {
	store      SubscriptionStore
	vapidPub   string
	vapidPriv  string
	subscriber string
	httpClient *http.Client
}

// NewPushChannel creates the Web Push channel. The VAPID keys are external
// configuration inputs.
func NewPushChannel(store SubscriptionStore, vapidPublic, vapidPrivate, subject string) *PushChannel {
	return &PushChannel{
		store:      store,
		vapidPub:   vapidPublic,
		vapidPriv:  vapidPrivate,
		subscriber: subject,
		// Transient push failures retry through the shared policy.
		httpClient: newRetryClient().StandardClient(),
	}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) MinSeverity() storage.Severity { return storage.SeverityCritical }

// Targets returns the active subscriptions. CRITICAL routes to operator
// subscriptions (those bound to a user); DANGER force-pushes to every
// active subscription.
func (c *PushChannel) Targets(ctx context.Context, alert storage.Alert) ([]Target, error) {
	operatorOnly := alert.Severity != storage.SeverityDanger
	subs, err := c.store.ListActivePushSubscriptions(ctx, operatorOnly)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(subs))
	for i := range subs {
		sub := subs[i]
		targets = append(targets, Target{ID: sub.Endpoint, Subscription: &sub})
	}
	return targets, nil
}

// pushPayload is the JSON body the service worker receives.
type pushPayload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	AlertID  string `json:"alertId"`
	SensorID string `json:"sensorId"`
	Severity string `json:"severity"`
}

func (c *PushChannel) Send(ctx context.Context, alert storage.Alert, target Target) error {
	sub := target.Subscription
	if sub == nil {
		return aerr.New(aerr.KindPermanent, "notify: push", "target has no subscription")
	}

	payload, err := json.Marshal(pushPayload{
		Title:    renderSubject(alert),
		Body:     alert.Message,
		AlertID:  alert.ID,
		SensorID: alert.SensorID,
		Severity: string(alert.Severity),
	})
	if err != nil {
		return aerr.Wrap(aerr.KindPermanent, "notify: marshal push payload", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      c.httpClient,
		Subscriber:      c.subscriber,
		VAPIDPublicKey:  c.vapidPub,
		VAPIDPrivateKey: c.vapidPriv,
		TTL:             300,
	})
	if err != nil {
		c.record(ctx, sub.Endpoint, false, false)
		return aerr.Wrap(aerr.KindTransient, "notify: push", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.record(ctx, sub.Endpoint, true, false)
		return nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The endpoint no longer exists; deactivate immediately.
		c.record(ctx, sub.Endpoint, false, true)
		return aerr.Newf(aerr.KindPermanent, "notify: push", "endpoint gone (status %d)", resp.StatusCode)
	case permanentStatus(resp.StatusCode):
		c.record(ctx, sub.Endpoint, false, false)
		return aerr.Newf(aerr.KindPermanent, "notify: push", "status %d", resp.StatusCode)
	default:
		c.record(ctx, sub.Endpoint, false, false)
		return aerr.Newf(aerr.KindTransient, "notify: push", "status %d", resp.StatusCode)
	}
}

func (c *PushChannel) record(ctx context.Context, endpoint string, success, permanent bool) {
	// Failure accounting must not mask the delivery outcome; errors here
	// surface through the store's own logging.
	_ = c.store.RecordPushAttempt(ctx, endpoint, success, permanent)
}
