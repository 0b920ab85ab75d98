package live_test

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/airaware/airaware/internal/server/live"
	"github.com/airaware/airaware/internal/storage"
)

func newTestBroadcaster() *live.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return live.NewBroadcaster(logger, 16)
}

func testAlert(id string) storage.Alert {
	return storage.Alert{
		ID:          id,
		Type:        storage.AlertPM25High,
		Severity:    storage.SeverityCritical,
		Message:     "PM2.5 above threshold",
		SensorID:    "dev-1",
		TriggeredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	// Send channel should be closed after unregister.
	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}
}

func TestBroadcasterPublish(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	bc.Publish(testAlert("alert-1"))

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got live.AlertEvent
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "alert" {
				t.Errorf("got type %q, want %q", got.Type, "alert")
			}
			if got.Data.ID != "alert-1" {
				t.Errorf("got alert id %q, want %q", got.Data.ID, "alert-1")
			}
			if got.Data.Severity != storage.SeverityCritical {
				t.Errorf("got severity %q, want CRITICAL", got.Data.Severity)
			}
		case <-deadline:
			t.Fatal("timeout waiting for published alert")
		}
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := live.NewBroadcaster(logger, 2)
	c := bc.Register("slow")
	defer bc.Unregister("slow")

	// Nobody drains the channel; the third publish must drop.
	for i := 0; i < 3; i++ {
		bc.Publish(testAlert("alert-overflow"))
	}
	if got := c.Dropped.Load(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if got := len(c.Send()); got != 2 {
		t.Errorf("buffered frames = %d, want 2", got)
	}
}

func TestBroadcasterClose(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c := bc.Register("c1")

	bc.Close()

	if got := bc.ClientCount(); got != 0 {
		t.Errorf("ClientCount after Close = %d, want 0", got)
	}
	if _, ok := <-c.Send(); ok {
		t.Error("send channel still open after Close")
	}

	// Publish after Close is a no-op; Register returns a closed client.
	bc.Publish(testAlert("alert-after-close"))
	late := bc.Register("late")
	if _, ok := <-late.Send(); ok {
		t.Error("client registered after Close has an open channel")
	}
}

func TestHandlerStreamsAlerts(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	defer bc.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := httptest.NewServer(live.NewHandler(bc, logger))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handler registers asynchronously; wait for it.
	waitFor(t, func() bool { return bc.ClientCount() == 1 })

	bc.Publish(testAlert("alert-live"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got live.AlertEvent
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Data.ID != "alert-live" {
		t.Errorf("got alert id %q, want %q", got.Data.ID, "alert-live")
	}
}

func TestHandlerUnregistersOnDisconnect(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	defer bc.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := httptest.NewServer(live.NewHandler(bc, logger))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return bc.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return bc.ClientCount() == 0 })
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
