// Package pipeline wires the bus to the repository, the threshold rules,
// and the notifier. A fixed worker pool consumes deliveries; a per-sensor
// lock serialises the {save reading, dedup, save alert} critical section so
// the single-active-alert invariant holds under concurrency.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/bus"
	"github.com/airaware/airaware/internal/codec"
	"github.com/airaware/airaware/internal/config"
	"github.com/airaware/airaware/internal/metrics"
	"github.com/airaware/airaware/internal/rules"
	"github.com/airaware/airaware/internal/storage"
)

const (
	// offlineAfter is how long a sensor may stay silent before the
	// sweeper marks it OFFLINE.
	offlineAfter = 10 * time.Minute

	// sweepInterval is how often the offline sweeper runs.
	sweepInterval = time.Minute

	// resolveCooldown suppresses re-alerts after a resolution unless the
	// new severity strictly exceeds the resolved one.
	resolveCooldown = 10 * time.Minute
)

// Store is the slice of the repository the pipeline uses.
type Store interface {
	SaveReading(ctx context.Context, r storage.Reading) (string, error)
	TouchSensor(ctx context.Context, deviceID string, ts time.Time) error
	SaveAlert(ctx context.Context, a storage.Alert) error
	UpdateAlert(ctx context.Context, a storage.Alert) error
	FindActiveAlert(ctx context.Context, sensorID string, typ storage.AlertType) (*storage.Alert, error)
	FindLatestResolved(ctx context.Context, sensorID string, typ storage.AlertType, since time.Time) (*storage.Alert, error)
	MarkSensorsOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Enqueuer hands new and upgraded alerts to the notifier. Enqueue blocks
// when the notifier queue is full.
type Enqueuer interface {
	Enqueue(ctx context.Context, alert storage.Alert) error
}

// Publisher pushes alerts to live feed subscribers. Implementations must
// not block.
type Publisher interface {
	Publish(alert storage.Alert)
}

// Pipeline processes bus deliveries. Construct with New and drive with Run.
type Pipeline struct {
	store      Store
	thresholds *config.Thresholds
	notifier   Enqueuer
	live       Publisher
	metrics    *metrics.Metrics
	log        *slog.Logger
	workers    int

	locks sync.Map // sensorID → *sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a pipeline. live may be nil when no feed is attached.
func New(store Store, thresholds *config.Thresholds, notifier Enqueuer, live Publisher, m *metrics.Metrics, log *slog.Logger, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		store:      store,
		thresholds: thresholds,
		notifier:   notifier,
		live:       live,
		metrics:    m,
		log:        log,
		workers:    workers,
		now:        time.Now,
	}
}

// Run consumes msgs with the worker pool until the channel closes, then
// returns once every in-flight message is drained.
func (p *Pipeline) Run(ctx context.Context, msgs <-chan *bus.RawMessage) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				p.Process(ctx, msg)
			}
		}()
	}
	wg.Wait()
}

// Process handles one delivery end to end. The message is acked only after
// the reading is persisted and evaluated (or rejected as a bad payload);
// transient failures leave it un-acked for broker redelivery.
func (p *Pipeline) Process(ctx context.Context, msg *bus.RawMessage) {
	now := p.now()

	reading, err := codec.Parse(msg.Payload, now)
	if err != nil {
		p.metrics.BadPayloads.Add(1)
		p.log.Warn("bad payload dropped",
			slog.String("topic", msg.Topic),
			slog.Any("error", err))
		msg.Ack()
		return
	}

	toNotify, err := p.ingest(ctx, reading, now)
	if err != nil {
		// Un-acked: the broker redelivers and SaveReading's idempotency
		// absorbs the duplicate.
		p.log.Error("ingest failed, message left for redelivery",
			slog.String("sensor_id", reading.SensorID),
			slog.Any("error", err))
		return
	}

	for _, alert := range toNotify {
		if p.live != nil {
			p.live.Publish(alert)
		}
		if err := p.notifier.Enqueue(ctx, alert); err != nil {
			// Shutdown while blocked on a full queue. The alert is
			// persisted; the startup replay can pick it up.
			p.log.Warn("alert not enqueued",
				slog.String("alert_id", alert.ID),
				slog.Any("error", err))
		}
	}
	msg.Ack()
}

// ingest runs the per-sensor critical section and returns the alerts that
// need notification.
func (p *Pipeline) ingest(ctx context.Context, reading storage.Reading, now time.Time) ([]storage.Alert, error) {
	unlock := p.lockSensor(reading.SensorID)
	defer unlock()

	// Persist concurrently with evaluation; both must finish before the
	// caller may ack.
	type saveResult struct {
		id  string
		err error
	}
	saved := make(chan saveResult, 1)
	go func() {
		id, err := p.store.SaveReading(ctx, reading)
		saved <- saveResult{id, err}
	}()

	candidates := rules.Evaluate(reading, p.thresholds.For(reading.SensorID))

	res := <-saved
	if res.err != nil {
		if aerr.IsConflict(res.err) {
			// Broker redelivery of an already-processed reading: the
			// alerts it produced exist, so only ack is left to do.
			p.metrics.DuplicateReadings.Add(1)
			p.log.Debug("duplicate reading dropped",
				slog.String("sensor_id", reading.SensorID),
				slog.String("reading_id", res.id))
			return nil, nil
		}
		return nil, res.err
	}
	p.metrics.RecordReading(now)

	if err := p.store.TouchSensor(ctx, reading.SensorID, now); err != nil {
		return nil, err
	}

	var toNotify []storage.Alert
	for _, cand := range candidates {
		alert, notify, err := p.applyCandidate(ctx, cand, now)
		if err != nil {
			return nil, err
		}
		if notify {
			toNotify = append(toNotify, *alert)
		}
	}
	return toNotify, nil
}

// applyCandidate implements dedup: extend the active alert, respect the
// post-resolution cooldown, or create a new alert. It reports whether the
// resulting alert needs notification.
func (p *Pipeline) applyCandidate(ctx context.Context, cand rules.Candidate, now time.Time) (*storage.Alert, bool, error) {
	active, err := p.store.FindActiveAlert(ctx, cand.SensorID, cand.Type)
	if err != nil {
		return nil, false, err
	}

	if active != nil {
		active.OccurrenceCount++
		active.LastSeen = cand.TriggeredAt
		active.Reading = cand.Reading

		upgraded := cand.Severity.Rank() > active.Severity.Rank()
		if upgraded {
			active.Severity = cand.Severity
			active.Message = cand.Message
		}
		if err := p.store.UpdateAlert(ctx, *active); err != nil {
			if aerr.IsConflict(err) {
				// An operator resolved the alert between the lookup and
				// the update. The stale write was rejected; re-run the
				// dedup decision against the new state, which now takes
				// the cooldown path.
				return p.applyCandidate(ctx, cand, now)
			}
			return nil, false, err
		}
		if upgraded {
			p.metrics.AlertsUpgraded.Add(1)
			p.log.Info("alert upgraded",
				slog.String("alert_id", active.ID),
				slog.String("sensor_id", active.SensorID),
				slog.String("type", string(active.Type)),
				slog.String("severity", string(active.Severity)),
				slog.Int("occurrences", active.OccurrenceCount))
			return active, true, nil
		}
		p.metrics.AlertsDeduped.Add(1)
		return active, false, nil
	}

	resolved, err := p.store.FindLatestResolved(ctx, cand.SensorID, cand.Type, now.Add(-resolveCooldown))
	if err != nil {
		return nil, false, err
	}
	if resolved != nil && cand.Severity.Rank() <= resolved.Severity.Rank() {
		p.metrics.AlertsSuppressed.Add(1)
		p.log.Debug("candidate suppressed by cooldown",
			slog.String("sensor_id", cand.SensorID),
			slog.String("type", string(cand.Type)),
			slog.String("severity", string(cand.Severity)))
		return nil, false, nil
	}

	alert := storage.Alert{
		ID:              uuid.NewString(),
		Type:            cand.Type,
		Severity:        cand.Severity,
		Message:         cand.Message,
		SensorID:        cand.SensorID,
		TriggeredAt:     cand.TriggeredAt,
		LastSeen:        cand.TriggeredAt,
		OccurrenceCount: 1,
		Reading:         cand.Reading,
	}
	if err := p.store.SaveAlert(ctx, alert); err != nil {
		return nil, false, err
	}
	p.metrics.AlertsCreated.Add(1)
	p.log.Info("alert created",
		slog.String("alert_id", alert.ID),
		slog.String("sensor_id", alert.SensorID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)))
	return &alert, true, nil
}

// lockSensor acquires the advisory lock for sensorID and returns the
// unlock. The lock map only grows; sensor fleets are small enough that
// entries are never reaped.
func (p *Pipeline) lockSensor(sensorID string) func() {
	mu, _ := p.locks.LoadOrStore(sensorID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// RunSweeper periodically marks silent sensors OFFLINE until ctx is
// canceled.
func (p *Pipeline) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	cutoff := p.now().Add(-offlineAfter)
	marked, err := p.store.MarkSensorsOffline(ctx, cutoff)
	if err != nil {
		p.log.Error("offline sweep failed", slog.Any("error", err))
		return
	}
	if len(marked) > 0 {
		p.metrics.SensorsMarkedOffline.Add(int64(len(marked)))
		p.log.Info("sensors marked offline", slog.Any("device_ids", marked))
	}
}
