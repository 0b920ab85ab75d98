// Package bus holds the MQTT subscription that feeds the ingestion
// pipeline. The subscriber owns its reconnect loop instead of relying on
// the client library's auto-reconnect, so connection state is observable
// and backoff behavior is testable.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/airaware/airaware/internal/aerr"
)

// State is the connection state of the subscriber.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	// StateDegraded means the subscription was established at least once
	// and has since been lost; the reconnect loop is running.
	StateDegraded
	StateStopped
)

// String returns the state's canonical name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	initialDelay = 5 * time.Second
	maxDelay     = 60 * time.Second

	// maxAttemptsPerOutage is the attempt count after which a persistent
	// BrokerUnavailable error is surfaced. Retries continue at the delay
	// cap regardless.
	maxAttemptsPerOutage = 10

	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
)

// RawMessage is one delivered bus message. Ack must be called exactly once,
// after the reading has been persisted and evaluated (or rejected as a bad
// payload); an un-acked message is redelivered by the broker.
type RawMessage struct {
	Topic   string
	Payload []byte
	QoS     byte

	ack func()
}

// Ack acknowledges the message to the broker. Safe to call once; the
// pipeline owns the call.
func (m *RawMessage) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// NewRawMessage builds a RawMessage with an explicit ack callback. Used by
// consumers that feed the pipeline from somewhere other than a live broker,
// and by tests.
func NewRawMessage(topic string, payload []byte, qos byte, ack func()) *RawMessage {
	return &RawMessage{Topic: topic, Payload: payload, QoS: qos, ack: ack}
}

// Options configures a Subscriber.
type Options struct {
	BrokerURL string
	Topic     string
	QoS       byte
	ClientID  string

	// Buffer is the capacity of the delivery channel. The message handler
	// blocks when it is full, which propagates backpressure into the
	// client library's receive path.
	Buffer int

	// NewClient builds the underlying MQTT client. Nil means mqtt.NewClient;
	// tests inject fakes here.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// Subscriber maintains the broker connection and emits one RawMessage per
// delivery on Messages().
type Subscriber struct {
	opts   Options
	log    *slog.Logger
	out    chan *RawMessage
	state  atomic.Int32
	err    atomic.Pointer[errBox]
	ready  chan struct{} // closed on first successful subscribe
	once   sync.Once
	stop   chan struct{}
	client mqtt.Client

	// mu guards stopping; handlers tracks in-flight handleMessage calls so
	// Run can drain them before closing the delivery channel.
	mu       sync.Mutex
	stopping bool
	handlers sync.WaitGroup

	// Reconnects counts completed reconnect cycles after the first
	// subscribe, for metrics.
	Reconnects atomic.Int64

	// nowSleep is the backoff sleep, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

type errBox struct{ err error }

// New creates a Subscriber. Run must be called to start it.
func New(opts Options, log *slog.Logger) *Subscriber {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.NewClient == nil {
		opts.NewClient = mqtt.NewClient
	}
	return &Subscriber{
		opts:  opts,
		log:   log,
		out:   make(chan *RawMessage, opts.Buffer),
		ready: make(chan struct{}),
		stop:  make(chan struct{}),
		sleep: sleepCtx,
	}
}

// Messages returns the delivery channel. It is closed after Run returns.
func (s *Subscriber) Messages() <-chan *RawMessage { return s.out }

// State returns the current connection state.
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Ready is closed when the first subscription succeeds. main uses it to
// decide between a running service and exit code 4.
func (s *Subscriber) Ready() <-chan struct{} { return s.ready }

// Err returns the persistent connection error, if any. It is set once an
// outage exceeds the attempt cap and cleared on the next successful
// subscribe.
func (s *Subscriber) Err() error {
	if box := s.err.Load(); box != nil {
		return box.err
	}
	return nil
}

// Run drives the connect/subscribe/reconnect loop until ctx is canceled.
// It closes the Messages channel on return.
func (s *Subscriber) Run(ctx context.Context) {
	defer func() {
		// Refuse new deliveries, release any handler blocked on the
		// full delivery channel, and wait for the in-flight ones. Only
		// then is closing the channel safe against a late delivery on
		// the client library's receive goroutine.
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		close(s.stop)
		s.handlers.Wait()
		close(s.out)
		s.state.Store(int32(StateStopped))
	}()

	subscribedOnce := false
	for {
		if ctx.Err() != nil {
			return
		}

		lost, err := s.connectAndSubscribe(ctx, subscribedOnce)
		if err != nil {
			// connectAndSubscribe already backed off through the full
			// window; only context cancellation lands here.
			return
		}
		if !subscribedOnce {
			subscribedOnce = true
			s.once.Do(func() { close(s.ready) })
		} else {
			s.Reconnects.Add(1)
		}

		select {
		case <-ctx.Done():
			s.disconnect()
			return
		case lostErr := <-lost:
			s.log.Warn("bus connection lost", slog.Any("error", lostErr))
			s.disconnect()
			if subscribedOnce {
				s.state.Store(int32(StateDegraded))
			} else {
				s.state.Store(int32(StateDisconnected))
			}
		}
	}
}

// connectAndSubscribe loops connect attempts with exponential backoff until
// one succeeds or ctx is canceled. It returns a channel that receives the
// connection-lost error.
func (s *Subscriber) connectAndSubscribe(ctx context.Context, wasSubscribed bool) (<-chan error, error) {
	delay := initialDelay
	attempts := 0

	for {
		if !wasSubscribed {
			s.state.Store(int32(StateConnecting))
		}

		lost := make(chan error, 1)
		client, err := s.tryConnect(lost)
		if err == nil {
			s.client = client
			s.state.Store(int32(StateConnected))

			if err = s.trySubscribe(client); err == nil {
				s.err.Store(nil)
				s.state.Store(int32(StateSubscribed))
				s.log.Info("bus subscribed",
					slog.String("broker", s.opts.BrokerURL),
					slog.String("topic", s.opts.Topic),
					slog.Int("qos", int(s.opts.QoS)))
				return lost, nil
			}
			client.Disconnect(250)
		}

		attempts++
		if attempts == maxAttemptsPerOutage {
			s.err.Store(&errBox{err: aerr.Wrap(aerr.KindTransient, "bus: broker unavailable", err)})
			s.log.Error("bus broker unavailable, retrying at cap",
				slog.Int("attempts", attempts), slog.Any("error", err))
		}
		s.log.Warn("bus connect failed",
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", delay),
			slog.Any("error", err))

		if !s.sleep(ctx, delay) {
			return nil, ctx.Err()
		}
		delay = nextDelay(delay, maxDelay)
	}
}

func (s *Subscriber) tryConnect(lost chan<- error) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(s.opts.BrokerURL).
		SetClientID(s.opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetAutoAckDisabled(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := s.opts.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("bus: connect to %s: timeout", s.opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", s.opts.BrokerURL, err)
	}
	return client, nil
}

func (s *Subscriber) trySubscribe(client mqtt.Client) error {
	token := client.Subscribe(s.opts.Topic, s.opts.QoS, s.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("bus: subscribe %s: timeout", s.opts.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", s.opts.Topic, err)
	}
	return nil
}

// handleMessage runs on the client library's receive goroutine. The send
// blocks when the pipeline is behind, which is the intended backpressure.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	if s.stopping {
		// Shutdown in progress. Dropping the un-acked message is safe,
		// the broker redelivers it on the next start.
		s.mu.Unlock()
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	raw := &RawMessage{
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
		QoS:     msg.Qos(),
		ack:     msg.Ack,
	}
	select {
	case s.out <- raw:
	case <-s.stop:
	}
}

func (s *Subscriber) disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.client = nil
}

// nextDelay doubles current, capped at max.
func nextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next <= 0 || next > max {
		return max
	}
	return next
}

// sleepCtx waits for d unless ctx is canceled first. It reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
