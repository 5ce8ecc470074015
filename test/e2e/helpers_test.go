package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/bus"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// waitFor is the ceiling for anything that depends on the sync loop.
const waitFor = 10 * time.Second

// harness holds the full e2e test stack: a real HTTP server with the
// REST API, the realtime websocket behind a gate, and the MCP endpoint.
type harness struct {
	URL    string
	Store  *store.Store
	Client *http.Client
	Gate   *gate
	Conv   models.Conversation
}

// newHarness opens a temp store, wires up the full stack via
// server.NewMux, starts an httptest server and creates the alice/bob
// conversation.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	events := bus.New(logger)
	t.Cleanup(events.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"), events, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hashes := map[string]string{}
	for _, id := range []string{"alice", "bob"} {
		h, err := bcrypt.GenerateFromPassword([]byte(id+"-secret"), bcrypt.MinCost)
		require.NoError(t, err)

		hashes[id] = string(h)
	}

	g := newGate()

	mux := server.NewMux(server.MuxConfig{
		Store:           st,
		Participants:    auth.NewParticipants(hashes),
		RealtimeHandler: g.wrap(realtime.NewHandler(st, bus.NewLocalNotifier(events, logger), logger)),
		MCPHandler:      mcpserver.Handler(st, "test", logger),
		Logger:          logger,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conv, _, err := st.CreateConversation(t.Context(), "alice", "bob")
	require.NoError(t, err)

	return &harness{URL: srv.URL, Store: st, Client: srv.Client(), Gate: g, Conv: conv}
}

func token(id string) string {
	return id + ":" + id + "-secret"
}

func (h *harness) api(id string) *api.Client {
	return api.NewClient(h.URL, token(id), h.Client)
}

// fastTiming keeps failover tests quick. Backoff leaves room to act
// between a cut and the first reconnect.
func fastTiming() chatsync.Timing {
	return chatsync.Timing{
		SubscribeTimeout:     2 * time.Second,
		PollInterval:         100 * time.Millisecond,
		BackoffBase:          time.Second,
		BackoffFactor:        2,
		BackoffMax:           2 * time.Second,
		MaxReconnectAttempts: 3,
	}
}

// stateLog records controller state changes.
type stateLog struct {
	mu     sync.Mutex
	states []chatsync.State
}

func (l *stateLog) record(s chatsync.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) seen(s chatsync.State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, got := range l.states {
		if got == s {
			return true
		}
	}

	return false
}

// openController starts a controller for viewer against the harness
// over HTTP and the realtime websocket.
func (h *harness) openController(t *testing.T, viewer string, timing chatsync.Timing) (*chatsync.Controller, *stateLog) {
	t.Helper()

	log := &stateLog{}
	logger := slog.New(slog.DiscardHandler)

	sessions := chatsync.NewSessions(viewer, h.api(viewer),
		realtime.NewNotifier(h.URL, token(viewer), logger), timing, logger)
	t.Cleanup(sessions.CloseAll)

	ctrl, err := sessions.Open(t.Context(), h.Conv.ID, chatsync.Hooks{OnStateChange: log.record})
	require.NoError(t, err)

	return ctrl, log
}

func waitState(t *testing.T, ctrl *chatsync.Controller, want chatsync.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return ctrl.State() == want
	}, waitFor, 10*time.Millisecond, "waiting for %s, at %s", want, ctrl.State())
}

func waitMessage(t *testing.T, ctrl *chatsync.Controller, id string) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, m := range ctrl.View() {
			if m.ID == id {
				return true
			}
		}

		return false
	}, waitFor, 10*time.Millisecond)
}

// gate sits in front of the realtime handler. Closing it refuses new
// websockets; cut drops the ones already open.
type gate struct {
	mu      sync.Mutex
	closed  bool
	next    int
	cancels map[int]context.CancelFunc
}

func newGate() *gate {
	return &gate{cancels: make(map[int]context.CancelFunc)}
}

func (g *gate) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			http.Error(w, "realtime offline", http.StatusServiceUnavailable)

			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		id := g.next
		g.next++
		g.cancels[id] = cancel
		g.mu.Unlock()

		defer func() {
			g.mu.Lock()
			delete(g.cancels, id)
			g.mu.Unlock()
			cancel()
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *gate) setClosed(closed bool) {
	g.mu.Lock()
	g.closed = closed
	g.mu.Unlock()
}

func (g *gate) cut() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, cancel := range g.cancels {
		cancel()
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
