package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmgrid/substrate/internal/debugns"
	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/types"
)

// Server wraps the event store with an HTTP surface: a paginated JSON
// listing endpoint and a live SSE feed, mirroring the teacher's
// HTTPServer (net/http.Server, bearer-token auth, health endpoint) but
// with its two event-sourcing paths collapsed into the one this
// substrate has: the in-memory Broker.
type Server struct {
	events *event.Store
	broker *Broker
	token  string
	debug  *debugns.Matcher

	mu     sync.RWMutex
	server *http.Server
	ln     net.Listener
	addr   string
}

// New builds a Server. token, when non-empty, requires a matching
// "Authorization: Bearer <token>" header on every request (same scheme
// as the teacher's HTTPServer.token check).
func New(events *event.Store, broker *Broker, addr, token string, debug *debugns.Matcher) *Server {
	return &Server{events: events, broker: broker, token: token, debug: debug, addr: addr}
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// server fails. Shutdown is graceful, coordinated through an errgroup so
// the listen goroutine and the shutdown-on-cancel goroutine are joined
// before Run returns — the teacher instead spawned shutdown as a bare
// goroutine it never waited on.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	// GET /streams/{projectKey} per spec.md §6: plain request returns the
	// paginated JSON array; ?live=true upgrades to the SSE feed.
	mux.HandleFunc("GET /streams/{projectKey}", s.requireAuth(s.handleStreams))

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("stream: listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.server.Serve(ln)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the address the server is listening on, once Run has
// started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		if strings.TrimPrefix(authHeader, "Bearer ") != s.token {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleStreams serves GET /streams/{projectKey}, spec.md §4.H/§6's one
// streaming route: a plain request returns the paginated JSON array;
// ?live=true upgrades the same route to the SSE feed.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	projectKey := r.PathValue("projectKey")
	if projectKey == "" {
		s.writeError(w, http.StatusNotFound, "unknown project")
		return
	}

	if r.URL.Query().Get("live") == "true" {
		s.streamLive(w, r, projectKey)
		return
	}
	s.streamList(w, r, projectKey)
}

// maxStreamLimit bounds the `limit` query parameter, per spec.md §4.H
// ("limit bounded to a server maximum").
const maxStreamLimit = 500

// streamFrame is the wire shape of one entry in the JSON array response
// and of each SSE frame's data field: the event's sequence (reused as
// the next request's offset), its JSON-encoded form as a string, and its
// timestamp.
type streamFrame struct {
	Offset    int64  `json:"offset"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func toFrame(e *types.Event) streamFrame {
	data, _ := json.Marshal(e)
	return streamFrame{Offset: e.Sequence, Data: string(data), Timestamp: e.Timestamp}
}

// streamList renders the paginated JSON array: up to `limit` events with
// sequence > `offset`, scoped to projectKey (spec.md §4.H/§6).
func (s *Server) streamList(w http.ResponseWriter, r *http.Request, projectKey string) {
	q := r.URL.Query()
	filter := types.EventFilter{
		ProjectKey: projectKey,
		CellID:     q.Get("cellId"),
		Limit:      100,
	}
	if typesParam := q.Get("type"); typesParam != "" {
		filter.Types = strings.Split(typesParam, ",")
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.ParseInt(offset, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid 'offset' parameter")
			return
		}
		filter.AfterSequence = n
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		filter.Limit = n
	}
	if filter.Limit > maxStreamLimit {
		filter.Limit = maxStreamLimit
	}

	events, err := s.events.ReadEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	frames := make([]streamFrame, len(events))
	for i, e := range events {
		frames[i] = toFrame(e)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(frames)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
