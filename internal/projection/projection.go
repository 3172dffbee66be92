// Package projection applies events to the materialized read tables
// synchronously, inside the same transaction as the event append: agents,
// messages, reservations, locks, and the cell graph are all derived state,
// never written directly. Grounded on the teacher's dispatch-by-event-type
// convention (internal/eventbus) but made synchronous and in-transaction
// per the coordination substrate's durability requirement — an event is
// never visible to readers before its projections have committed.
package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Handler applies one event to the read tables within tx.
type Handler func(ctx context.Context, tx *storex.Tx, e *types.Event) error

// Registry dispatches events to handlers by type. Unknown event types are
// no-ops: the log may carry event kinds no projection yet understands
// (forward compatibility), and replay must not fail on them.
type Registry struct {
	handlers map[string]Handler
}

// New builds a Registry with every built-in handler registered.
func New() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.register("agent_registered", applyAgentRegistered)
	r.register("agent_active", applyAgentActive)
	r.register("message_sent", applyMessageSent)
	r.register("message_read", applyMessageRead)
	r.register("message_acked", applyMessageAcked)
	r.register("reservation_acquired", applyReservationAcquired)
	r.register("reservation_released", applyReservationReleased)
	r.register("reservation_expired", applyReservationExpired)
	r.register("lock_acquired", applyLockAcquired)
	r.register("lock_released", applyLockReleased)
	r.register("cell_created", applyCellCreated)
	r.register("cell_updated", applyCellUpdated)
	r.register("cell_closed", applyCellClosed)
	r.register("cell_deleted", applyCellDeleted)
	r.register("cell_restored", applyCellRestored)
	r.register("cell_dependency_added", applyDependencyAdded)
	r.register("cell_dependency_removed", applyDependencyRemoved)
	r.register("cell_label_added", applyLabelAdded)
	r.register("cell_label_removed", applyLabelRemoved)
	r.register("cell_comment_added", applyCommentAdded)
	return r
}

func (r *Registry) register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Apply dispatches e to its registered handler. Unknown types are silently
// accepted: every event in the log is valid, but not every type has derived
// state to maintain.
func (r *Registry) Apply(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	h, ok := r.handlers[e.Type]
	if !ok {
		return nil
	}
	if err := h(ctx, tx, e); err != nil {
		return fmt.Errorf("project %s: %w", e.Type, err)
	}
	return nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrapf(err, "decode %T payload", v)
	}
	return nil
}

// --- agents ---

type agentRegisteredPayload struct {
	Name    string `json:"name"`
	Program string `json:"program,omitempty"`
	Model   string `json:"model,omitempty"`
	Task    string `json:"task,omitempty"`
}

func applyAgentRegistered(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p agentRegisteredPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	_, err := tx.Exec(ctx, `
		INSERT INTO agents (project_key, name, program, model, task, registered_at, last_active_at, event_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(project_key, name) DO UPDATE SET
			program = excluded.program,
			model = excluded.model,
			task = excluded.task,
			last_active_at = excluded.last_active_at,
			event_count = agents.event_count + 1`,
		e.ProjectKey, p.Name, p.Program, p.Model, p.Task, ts, ts)
	return errs.Wrap("apply agent_registered", err)
}

type agentActivePayload struct {
	Name string `json:"name"`
}

func applyAgentActive(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p agentActivePayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE agents SET last_active_at = ?, event_count = event_count + 1
		WHERE project_key = ? AND name = ?`,
		formatMillis(e.Timestamp), e.ProjectKey, p.Name)
	return errs.Wrap("apply agent_active", err)
}

// --- messages ---

type messageSentPayload struct {
	FromAgent   string            `json:"fromAgent"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ThreadID    *int64            `json:"threadId,omitempty"`
	Importance  types.Importance  `json:"importance"`
	AckRequired bool              `json:"ackRequired"`
	Kind        types.MessageKind `json:"kind"`
	Recipients  []string          `json:"recipients"`
}

func applyMessageSent(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p messageSentPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	if p.Importance == "" {
		p.Importance = types.ImportanceNormal
	}
	if p.Kind == "" {
		p.Kind = types.MessageDirect
	}
	res, err := tx.Exec(ctx, `
		INSERT INTO messages (id, project_key, from_agent, subject, body, thread_id, importance, ack_required, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectKey, p.FromAgent, p.Subject, p.Body, p.ThreadID, string(p.Importance), p.AckRequired, string(p.Kind), formatMillis(e.Timestamp))
	if err != nil {
		return errs.Wrap("apply message_sent", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap("apply message_sent: last insert id", err)
	}
	for _, recipient := range p.Recipients {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_recipients (message_id, agent_name) VALUES (?, ?)
			ON CONFLICT(message_id, agent_name) DO NOTHING`, msgID, recipient); err != nil {
			return errs.Wrap("apply message_sent: recipient", err)
		}
	}
	return nil
}

type messageAckPayload struct {
	MessageID int64  `json:"messageId"`
	AgentName string `json:"agentName"`
}

func applyMessageRead(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p messageAckPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE message_recipients SET read_at = ? WHERE message_id = ? AND agent_name = ?`,
		formatMillis(e.Timestamp), p.MessageID, p.AgentName)
	return errs.Wrap("apply message_read", err)
}

func applyMessageAcked(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p messageAckPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE message_recipients SET acked_at = ? WHERE message_id = ? AND agent_name = ?`,
		formatMillis(e.Timestamp), p.MessageID, p.AgentName)
	return errs.Wrap("apply message_acked", err)
}

// --- reservations ---

type reservationAcquiredPayload struct {
	AgentName   string `json:"agentName"`
	PathPattern string `json:"pathPattern"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	ExpiresAt   int64  `json:"expiresAt"`
}

func applyReservationAcquired(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p reservationAcquiredPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectKey, p.AgentName, p.PathPattern, p.Exclusive, p.Reason, formatMillis(e.Timestamp), formatMillis(p.ExpiresAt))
	return errs.Wrap("apply reservation_acquired", err)
}

type reservationIDPayload struct {
	ReservationID int64 `json:"reservationId"`
}

func applyReservationReleased(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p reservationIDPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `UPDATE reservations SET released_at = ? WHERE id = ?`,
		formatMillis(e.Timestamp), p.ReservationID)
	return errs.Wrap("apply reservation_released", err)
}

func applyReservationExpired(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p reservationIDPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	// releasedAt is the lease's own expiry, not the sweep time that noticed it.
	_, err := tx.Exec(ctx, `UPDATE reservations SET released_at = expires_at WHERE id = ? AND released_at IS NULL`,
		p.ReservationID)
	return errs.Wrap("apply reservation_expired", err)
}

// --- locks ---

type lockAcquiredPayload struct {
	Resource  string `json:"resource"`
	Holder    string `json:"holder"`
	Seq       int64  `json:"seq"`
	ExpiresAt int64  `json:"expiresAt"`
}

func applyLockAcquired(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p lockAcquiredPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO locks (resource, holder, seq, acquired_at, expires_at, released_at) VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(resource) DO UPDATE SET
			holder = excluded.holder, seq = excluded.seq,
			acquired_at = excluded.acquired_at, expires_at = excluded.expires_at,
			released_at = NULL`,
		p.Resource, p.Holder, p.Seq, formatMillis(e.Timestamp), formatMillis(p.ExpiresAt))
	return errs.Wrap("apply lock_acquired", err)
}

type lockReleasedPayload struct {
	Resource string `json:"resource"`
}

func applyLockReleased(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p lockReleasedPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	// Retain the row (rather than DELETE) so seq survives release: the next
	// tryAcquire for this resource must read seq+1, never restart at 1.
	_, err := tx.Exec(ctx, `UPDATE locks SET released_at = ? WHERE resource = ?`,
		formatMillis(e.Timestamp), p.Resource)
	return errs.Wrap("apply lock_released", err)
}
