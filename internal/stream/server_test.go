package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

func startTestServer(t *testing.T, token string) (*Server, *storex.Store, *event.Store, string) {
	t.Helper()
	db, err := storex.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	events := event.New(db)
	broker := NewBroker(0)
	events.SetPublisher(broker)

	srv := New(events, broker, "127.0.0.1:0", token, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var addr string
	for i := 0; i < 100; i++ {
		addr = srv.Addr()
		if addr != "127.0.0.1:0" && addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "127.0.0.1:0" || addr == "" {
		t.Fatal("server never reported a listening address")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down promptly")
		}
	})

	return srv, db, events, "http://" + addr
}

func appendEvent(t *testing.T, db *storex.Store, projectKey, eventType string) {
	t.Helper()
	err := db.Transaction(context.Background(), func(ctx context.Context, tx *storex.Tx) error {
		_, _, err := event.Append(ctx, tx, &types.Event{
			Type: eventType, ProjectKey: projectKey, Timestamp: time.Now().UnixMilli(), Data: []byte(`{}`),
		})
		return err
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
}

func TestHealthzReturnsHealthy(t *testing.T) {
	_, _, _, base := startTestServer(t, "")

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status body = %v", body)
	}
}

func TestStreamsRequiresAuthWhenTokenConfigured(t *testing.T) {
	_, _, _, base := startTestServer(t, "secret")

	resp, err := http.Get(base + "/streams/p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStreamsAcceptsValidBearerToken(t *testing.T) {
	_, db, _, base := startTestServer(t, "secret")
	appendEvent(t, db, "p", "cell_created")

	req, _ := http.NewRequest(http.MethodGet, base+"/streams/p", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStreamListReturnsPaginatedEvents(t *testing.T) {
	_, db, _, base := startTestServer(t, "")
	appendEvent(t, db, "p", "cell_created")
	appendEvent(t, db, "p", "cell_updated")
	appendEvent(t, db, "other", "cell_created")

	resp, err := http.Get(base + "/streams/p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	var frames []streamFrame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 (scoped to project p)", len(frames))
	}
}

func TestStreamListInvalidOffsetIsBadRequest(t *testing.T) {
	_, _, _, base := startTestServer(t, "")

	resp, err := http.Get(base + "/streams/p?offset=not-a-number")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamLiveRepliesWithSSEFramesForPublishedEvents(t *testing.T) {
	srv, _, _, base := startTestServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/streams/p?live=true", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	srv.broker.Publish(&types.Event{ID: 99, Sequence: 99, ProjectKey: "p", Type: "cell_created", Data: []byte(`{}`)})

	reader := bufio.NewReader(resp.Body)
	found := false
	for i := 0; i < 20; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: cell_created") {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("did not observe the published event on the SSE stream")
	}
}
