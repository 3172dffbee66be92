package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/swarmgrid/substrate/internal/types"
)

// subscriberState is a live SSE connection's position in its lifecycle.
// Grounded on the teacher's handleSSEEvents (internal/rpc/http_sse.go):
// same replay-then-live shape, made an explicit named state machine here
// since this substrate's replay source (a database read of the persisted
// events, then the Broker's bounded ring for anything published since)
// is two-staged where the teacher's was a single buffered-slice read.
type subscriberState int

const (
	// Replaying serves persisted/buffered events newer than the
	// connection's `offset` cursor.
	Replaying subscriberState = iota
	// Live relays events as the Broker publishes them.
	Live
	// Closed means the client disconnected or the server is shutting
	// down; no further writes occur.
	Closed
)

const keepaliveInterval = 15 * time.Second

// streamLive handles the `?live=true` upgrade of GET /streams/{projectKey}
// as a Server-Sent Events feed, scoped to one project. Query parameter
// `offset` (sequence number, exclusive) selects how far back to replay,
// matching the plain list endpoint's cursor semantics (spec.md §4.H).
func (s *Server) streamLive(w http.ResponseWriter, r *http.Request, projectKey string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid 'offset' parameter")
			return
		}
		afterSeq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	state := Replaying

	// Subscribe before replaying so no event published during the replay
	// window is missed (the Broker buffers it for the live channel too).
	liveCh, unsubscribe := s.broker.Subscribe()
	defer unsubscribe()

	maxReplayed := afterSeq
	persisted, err := s.events.ReadEvents(r.Context(), types.EventFilter{ProjectKey: projectKey, AfterSequence: afterSeq})
	if err != nil {
		return
	}
	for _, e := range persisted {
		writeSSEEvent(w, e)
		flusher.Flush()
		if e.Sequence > maxReplayed {
			maxReplayed = e.Sequence
		}
	}
	for _, e := range s.broker.Since(maxReplayed) {
		if projectKey != "" && e.ProjectKey != projectKey {
			continue
		}
		writeSSEEvent(w, e)
		flusher.Flush()
		if e.Sequence > maxReplayed {
			maxReplayed = e.Sequence
		}
	}
	state = Live

	ctx := r.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for state == Live {
		select {
		case <-ctx.Done():
			state = Closed
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-liveCh:
			if !ok {
				state = Closed
				continue
			}
			if e.Sequence <= maxReplayed {
				continue // already sent during replay
			}
			if projectKey != "" && e.ProjectKey != projectKey {
				continue
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e *types.Event) {
	frame, err := json.Marshal(toFrame(e))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\n", e.Sequence)
	fmt.Fprintf(w, "event: %s\n", e.Type)
	fmt.Fprintf(w, "data: %s\n\n", frame)
}
