package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// --- fakes ---

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte

	mu    sync.Mutex
	acked int
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack() {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// fakeClient implements mqtt.Client. connectErr controls whether Connect
// succeeds; the registered message handler is captured for injection.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	topic      string
	qos        byte
	handler    mqtt.MessageHandler
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Subscribe(topic string, qos byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.topic, c.qos, c.handler = topic, qos, h
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }
func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) deliver(msg mqtt.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(c, msg)
	}
}

func newTestSubscriber(client *fakeClient) *Subscriber {
	s := New(Options{
		BrokerURL: "tcp://broker.test:1883",
		Topic:     "airaware/sensors",
		QoS:       1,
		ClientID:  "airaware-test",
		NewClient: func(*mqtt.ClientOptions) mqtt.Client { return client },
	}, discardLogger())
	// No real sleeping in tests.
	s.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return s
}

// --- tests ---

func TestSubscriber_ConnectsAndSubscribes(t *testing.T) {
	client := &fakeClient{}
	s := newTestSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never became ready")
	}

	if got := s.State(); got != StateSubscribed {
		t.Errorf("State = %v, want subscribed", got)
	}
	if client.topic != "airaware/sensors" || client.qos != 1 {
		t.Errorf("subscribed to %q qos %d", client.topic, client.qos)
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil", s.Err())
	}
}

func TestSubscriber_DeliversMessagesWithWorkingAck(t *testing.T) {
	client := &fakeClient{}
	s := newTestSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	<-s.Ready()

	msg := &fakeMessage{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1"}`), qos: 1}
	go client.deliver(msg)

	var raw *RawMessage
	select {
	case raw = <-s.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	if raw.Topic != "airaware/sensors" || string(raw.Payload) != `{"sensorId":"S1"}` || raw.QoS != 1 {
		t.Errorf("raw = %+v", raw)
	}
	if msg.ackCount() != 0 {
		t.Fatal("message acked before pipeline confirmed")
	}
	raw.Ack()
	if msg.ackCount() != 1 {
		t.Errorf("ackCount = %d, want 1", msg.ackCount())
	}
}

func TestSubscriber_SurfacesBrokerUnavailableAfterCap(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("connection refused")}
	s := newTestSubscriber(client)

	attempts := 0
	proceed := make(chan struct{})
	s.sleep = func(ctx context.Context, _ time.Duration) bool {
		attempts++
		if attempts >= maxAttemptsPerOutage+2 {
			close(proceed)
			<-ctx.Done()
			return false
		}
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-proceed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber stopped retrying before the cap")
	}

	// Retries continue past the cap and the persistent error is visible.
	if err := s.Err(); err == nil {
		t.Fatal("Err = nil after attempt cap, want BrokerUnavailable")
	}
	select {
	case <-s.Ready():
		t.Fatal("Ready closed although broker never accepted")
	default:
	}
}

func TestSubscriber_BackoffDelaysDoubleToCap(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("connection refused")}
	s := newTestSubscriber(client)

	var delays []time.Duration
	done := make(chan struct{})
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		if len(delays) == 7 {
			close(done)
			<-ctx.Done()
			return false
		}
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not enough connect attempts")
	}
	cancel()

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestSubscriber_StopsOnCancel(t *testing.T) {
	client := &fakeClient{}
	s := newTestSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	<-s.Ready()

	cancel()

	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Fatal("unexpected message during shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Messages channel not closed after cancel")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State = %v, want stopped", got)
	}
	if client.IsConnected() {
		t.Error("client still connected after shutdown")
	}
}

func TestSubscriber_LateDeliveryAfterStopIsDropped(t *testing.T) {
	client := &fakeClient{}
	s := newTestSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	<-s.Ready()

	cancel()
	<-done

	// The client library's receive goroutine can still fire after Run
	// returns. The delivery must be dropped, not sent on the closed channel.
	msg := &fakeMessage{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1"}`), qos: 1}
	client.deliver(msg)

	if _, ok := <-s.Messages(); ok {
		t.Fatal("message delivered after shutdown")
	}
	if msg.ackCount() != 0 {
		t.Errorf("dropped message acked %d times, want 0", msg.ackCount())
	}
}

func TestSubscriber_ShutdownWithConcurrentDeliveries(t *testing.T) {
	client := &fakeClient{}
	s := newTestSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	<-s.Ready()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.deliver(&fakeMessage{topic: "airaware/sensors", payload: []byte(`{"sensorId":"S1"}`), qos: 1})
		}()
	}
	cancel()
	<-done
	wg.Wait()

	// Buffered deliveries drain, then the channel reports closed.
	for range s.Messages() {
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State = %v, want stopped", got)
	}
}

func TestNextDelay(t *testing.T) {
	cases := []struct {
		current, max, want time.Duration
	}{
		{5 * time.Second, 60 * time.Second, 10 * time.Second},
		{40 * time.Second, 60 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second, 60 * time.Second},
		{0, 60 * time.Second, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := nextDelay(tc.current, tc.max); got != tc.want {
			t.Errorf("nextDelay(%v, %v) = %v, want %v", tc.current, tc.max, got, tc.want)
		}
	}
}
