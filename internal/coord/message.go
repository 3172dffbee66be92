package coord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/projection"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Agents provides agent registration/heartbeat and inter-agent messaging
// (spec.md §3's Agent/Message/MessageRecipient rows, materialized by
// internal/projection's agent_registered/agent_active/message_* handlers —
// this is the write-side API those handlers otherwise have no caller for).
type Agents struct {
	db   *storex.Store
	proj *projection.Registry
	pub  event.Publisher
}

// NewAgents wires an Agents service to the store and projection registry.
func NewAgents(db *storex.Store, proj *projection.Registry) *Agents {
	return &Agents{db: db, proj: proj}
}

// SetPublisher attaches the live event-stream publisher.
func (a *Agents) SetPublisher(pub event.Publisher) { a.pub = pub }

// Register appends agent_registered, creating or refreshing the agent row
// for (projectKey, name).
func (a *Agents) Register(ctx context.Context, projectKey, name, program, model, task string) error {
	payload, err := json.Marshal(map[string]any{
		"name": name, "program": program, "model": model, "task": task,
	})
	if err != nil {
		return errs.Wrap("marshal agent_registered", err)
	}
	return a.appendAndProject(ctx, projectKey, "agent_registered", payload)
}

// Heartbeat appends agent_active, bumping lastActiveAt and eventCount
// without touching program/model/task.
func (a *Agents) Heartbeat(ctx context.Context, projectKey, name string) error {
	payload, err := json.Marshal(map[string]any{"name": name})
	if err != nil {
		return errs.Wrap("marshal agent_active", err)
	}
	return a.appendAndProject(ctx, projectKey, "agent_active", payload)
}

// SendInput describes an outgoing message.
type SendInput struct {
	ProjectKey  string
	FromAgent   string
	Subject     string
	Body        string
	ThreadID    *int64
	Importance  types.Importance
	AckRequired bool
	Kind        types.MessageKind
	Recipients  []string // must be non-empty: spec.md §3 "every message has at least one recipient"
}

// Send appends message_sent. Recipients must be non-empty.
func (a *Agents) Send(ctx context.Context, in SendInput) (int64, error) {
	if len(in.Recipients) == 0 {
		return 0, errs.Wrapf(errs.Invalid, "message to %s has no recipients", in.FromAgent)
	}
	payload, err := json.Marshal(map[string]any{
		"fromAgent":   in.FromAgent,
		"subject":     in.Subject,
		"body":        in.Body,
		"threadId":    in.ThreadID,
		"importance":  in.Importance,
		"ackRequired": in.AckRequired,
		"kind":        in.Kind,
		"recipients":  in.Recipients,
	})
	if err != nil {
		return 0, errs.Wrap("marshal message_sent", err)
	}
	var messageID int64
	var published *types.Event
	err = a.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		e := &types.Event{Type: "message_sent", ProjectKey: in.ProjectKey, Timestamp: now.UnixMilli(), Data: payload}
		id, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = id, seq
		messageID = id
		if err := a.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		published = e
		return nil
	})
	if err == nil && a.pub != nil {
		a.pub.Publish(published)
	}
	return messageID, err
}

// MarkRead appends message_read for (messageID, agentName).
func (a *Agents) MarkRead(ctx context.Context, projectKey string, messageID int64, agentName string) error {
	return a.ackEvent(ctx, projectKey, "message_read", messageID, agentName)
}

// Ack appends message_acked for (messageID, agentName).
func (a *Agents) Ack(ctx context.Context, projectKey string, messageID int64, agentName string) error {
	return a.ackEvent(ctx, projectKey, "message_acked", messageID, agentName)
}

func (a *Agents) ackEvent(ctx context.Context, projectKey, eventType string, messageID int64, agentName string) error {
	payload, err := json.Marshal(map[string]any{"messageId": messageID, "agentName": agentName})
	if err != nil {
		return errs.Wrap("marshal "+eventType, err)
	}
	return a.appendAndProject(ctx, projectKey, eventType, payload)
}

func (a *Agents) appendAndProject(ctx context.Context, projectKey, eventType string, payload []byte) error {
	var published *types.Event
	err := a.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		e := &types.Event{Type: eventType, ProjectKey: projectKey, Timestamp: now.UnixMilli(), Data: payload}
		id, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = id, seq
		if err := a.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		published = e
		return nil
	})
	if err == nil && a.pub != nil {
		a.pub.Publish(published)
	}
	return err
}
