package notify

import (
	"context"
	"testing"
	"time"

	"github.com/airaware/airaware/internal/storage"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(":memory:")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_FirstDeliveryAllowed(t *testing.T) {
	l := openTestLedger(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := l.Reserve(context.Background(), "a1", "email", "ops@example.com", storage.SeverityWarning, now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("first delivery blocked")
	}
}

func TestLedger_SuccessBlocksFor24Hours(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Reserve(ctx, "a1", "email", "ops@example.com", storage.SeverityWarning, now); !ok {
		t.Fatal("first delivery blocked")
	}
	if err := l.RecordOutcome(ctx, "a1", "email", "ops@example.com", true, now); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	// Well past the cooldown but inside the idempotency window.
	ok, err := l.Reserve(ctx, "a1", "email", "ops@example.com", storage.SeverityWarning, now.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Error("delivery allowed inside 24h idempotency window")
	}

	// Outside the window it is allowed again.
	ok, err = l.Reserve(ctx, "a1", "email", "ops@example.com", storage.SeverityWarning, now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Error("delivery blocked outside 24h idempotency window")
	}
}

func TestLedger_CooldownBlocksRetryOfFailedDelivery(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Reserve(ctx, "a1", "sms", "+21612345678", storage.SeverityCritical, now); !ok {
		t.Fatal("first delivery blocked")
	}
	// Failed delivery: no success recorded.

	ok, err := l.Reserve(ctx, "a1", "sms", "+21612345678", storage.SeverityCritical, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Error("delivery allowed inside 5 min cooldown")
	}

	ok, err = l.Reserve(ctx, "a1", "sms", "+21612345678", storage.SeverityCritical, now.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Error("delivery blocked after cooldown elapsed")
	}
}

func TestLedger_DangerBypassesCooldownOnce(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Reserve(ctx, "a1", "push", "ep1", storage.SeverityCritical, now); !ok {
		t.Fatal("first delivery blocked")
	}

	// DANGER upgrade inside the cooldown: allowed once.
	ok, err := l.Reserve(ctx, "a1", "push", "ep1", storage.SeverityDanger, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("DANGER did not bypass cooldown")
	}

	// Second DANGER inside a fresh cooldown: the bypass is spent.
	ok, err = l.Reserve(ctx, "a1", "push", "ep1", storage.SeverityDanger, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Error("DANGER bypassed cooldown twice")
	}
}

func TestLedger_IndependentRecipients(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.Reserve(ctx, "a1", "email", "a@example.com", storage.SeverityWarning, now); !ok {
		t.Fatal("recipient a blocked")
	}
	// Same alert, different recipient and different channel: independent.
	if ok, _ := l.Reserve(ctx, "a1", "email", "b@example.com", storage.SeverityWarning, now); !ok {
		t.Error("recipient b blocked by recipient a's reservation")
	}
	if ok, _ := l.Reserve(ctx, "a1", "slack", "slack-webhook", storage.SeverityWarning, now); !ok {
		t.Error("slack blocked by email reservation")
	}
	// Different alert, same recipient: independent.
	if ok, _ := l.Reserve(ctx, "a2", "email", "a@example.com", storage.SeverityWarning, now); !ok {
		t.Error("second alert blocked by first alert's reservation")
	}
}

func TestLedger_SurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/ledger.db"
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if ok, _ := l.Reserve(ctx, "a1", "email", "ops@example.com", storage.SeverityWarning, now); !ok {
		t.Fatal("first delivery blocked")
	}
	if err := l.RecordOutcome(ctx, "a1", "email", "ops@example.com", true, now); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	l.Close()

	// The success must still block after a restart.
	l2, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer l2.Close()
	ok, err := l2.Reserve(ctx, "a1", "email", "ops@example.com", storage.SeverityWarning, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Error("idempotency window lost across reopen")
	}
}
