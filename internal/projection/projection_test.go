package projection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

func openTestStore(t *testing.T) *storex.Store {
	t.Helper()
	db, err := storex.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func apply(t *testing.T, db *storex.Store, r *Registry, e *types.Event) {
	t.Helper()
	err := db.Transaction(context.Background(), func(ctx context.Context, tx *storex.Tx) error {
		return r.Apply(ctx, tx, e)
	})
	if err != nil {
		t.Fatalf("Apply %s: %v", e.Type, err)
	}
}

func TestUnknownEventTypeIsNoOp(t *testing.T) {
	db := openTestStore(t)
	r := New()
	apply(t, db, r, &types.Event{Type: "some_future_event", ProjectKey: "p", Data: []byte(`{}`)})
}

func TestAgentRegisteredThenActiveIncrementsEventCount(t *testing.T) {
	db := openTestStore(t)
	r := New()
	ctx := context.Background()

	apply(t, db, r, &types.Event{
		Type: "agent_registered", ProjectKey: "p", Timestamp: 1000,
		Data: mustJSON(t, agentRegisteredPayload{Name: "agent-a", Program: "swarmctl"}),
	})
	apply(t, db, r, &types.Event{
		Type: "agent_active", ProjectKey: "p", Timestamp: 2000,
		Data: mustJSON(t, agentActivePayload{Name: "agent-a"}),
	})

	var count int
	if err := db.QueryRow(ctx, `SELECT event_count FROM agents WHERE project_key = ? AND name = ?`, "p", "agent-a").Scan(&count); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if count != 2 {
		t.Fatalf("event_count = %d, want 2", count)
	}
}

func TestMessageSentReadAcked(t *testing.T) {
	db := openTestStore(t)
	r := New()
	ctx := context.Background()

	apply(t, db, r, &types.Event{
		ID: 1, Type: "message_sent", ProjectKey: "p", Timestamp: 1000,
		Data: mustJSON(t, messageSentPayload{
			FromAgent: "agent-a", Subject: "hi", Body: "body",
			Recipients: []string{"agent-b"},
		}),
	})

	var msgID int64
	if err := db.QueryRow(ctx, `SELECT id FROM messages WHERE subject = ?`, "hi").Scan(&msgID); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}

	apply(t, db, r, &types.Event{
		Type: "message_read", ProjectKey: "p", Timestamp: 2000,
		Data: mustJSON(t, messageAckPayload{MessageID: msgID, AgentName: "agent-b"}),
	})
	apply(t, db, r, &types.Event{
		Type: "message_acked", ProjectKey: "p", Timestamp: 3000,
		Data: mustJSON(t, messageAckPayload{MessageID: msgID, AgentName: "agent-b"}),
	})

	var readAt, ackedAt *string
	err := db.QueryRow(ctx, `SELECT read_at, acked_at FROM message_recipients WHERE message_id = ? AND agent_name = ?`,
		msgID, "agent-b").Scan(&readAt, &ackedAt)
	if err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if readAt == nil || ackedAt == nil {
		t.Fatalf("expected both read_at and acked_at set, got read_at=%v acked_at=%v", readAt, ackedAt)
	}
}

func TestReservationAcquiredThenReleased(t *testing.T) {
	db := openTestStore(t)
	r := New()
	ctx := context.Background()

	apply(t, db, r, &types.Event{
		ID: 5, Type: "reservation_acquired", ProjectKey: "p", Timestamp: 1000,
		Data: mustJSON(t, reservationAcquiredPayload{
			AgentName: "agent-a", PathPattern: "src/**", Exclusive: true, ExpiresAt: 9999,
		}),
	})

	var exclusive bool
	if err := db.QueryRow(ctx, `SELECT exclusive FROM reservations WHERE id = ?`, 5).Scan(&exclusive); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if !exclusive {
		t.Fatal("expected exclusive reservation")
	}

	apply(t, db, r, &types.Event{
		Type: "reservation_released", ProjectKey: "p", Timestamp: 2000,
		Data: mustJSON(t, reservationIDPayload{ReservationID: 5}),
	})

	var releasedAt *string
	if err := db.QueryRow(ctx, `SELECT released_at FROM reservations WHERE id = ?`, 5).Scan(&releasedAt); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if releasedAt == nil {
		t.Fatal("expected released_at to be set")
	}
}

func TestLockAcquiredThenReleased(t *testing.T) {
	db := openTestStore(t)
	r := New()
	ctx := context.Background()

	apply(t, db, r, &types.Event{
		Type: "lock_acquired", ProjectKey: "p", Timestamp: 1000,
		Data: mustJSON(t, lockAcquiredPayload{Resource: "res-1", Holder: "agent-a", Seq: 1, ExpiresAt: 9999}),
	})

	var holder string
	var seq int64
	if err := db.QueryRow(ctx, `SELECT holder, seq FROM locks WHERE resource = ?`, "res-1").Scan(&holder, &seq); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if holder != "agent-a" || seq != 1 {
		t.Fatalf("holder=%s seq=%d, want agent-a/1", holder, seq)
	}

	// A later acquire by another holder bumps the fencing token, not resets it.
	apply(t, db, r, &types.Event{
		Type: "lock_acquired", ProjectKey: "p", Timestamp: 2000,
		Data: mustJSON(t, lockAcquiredPayload{Resource: "res-1", Holder: "agent-b", Seq: 2, ExpiresAt: 9999}),
	})
	if err := db.QueryRow(ctx, `SELECT holder, seq FROM locks WHERE resource = ?`, "res-1").Scan(&holder, &seq); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if holder != "agent-b" || seq != 2 {
		t.Fatalf("holder=%s seq=%d, want agent-b/2", holder, seq)
	}

	apply(t, db, r, &types.Event{
		Type: "lock_released", ProjectKey: "p", Timestamp: 3000,
		Data: mustJSON(t, lockReleasedPayload{Resource: "res-1"}),
	})
	var count int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM locks WHERE resource = ? AND released_at IS NULL`, "res-1").Scan(&count); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 unreleased rows after release", count)
	}
}
