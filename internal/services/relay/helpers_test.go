package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"collab-sync/internal/models"
	"collab-sync/internal/party"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	syncRoom  = "mind-map:m1:sync"
	permsRoom = "mind-map:m1:permissions"
	shareRoom = "mind-map:m1:sharing"
)

var testSecret = []byte("relay-test-secret")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	hub *Hub
	srv *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	hub := NewHub(cfg)
	hub.Start()

	router := mux.NewRouter()
	NewHandler(hub).Register(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testServer{hub: hub, srv: srv}
}

func (ts *testServer) dial(t *testing.T, room, token string) *websocket.Conn {
	t.Helper()
	url, err := party.BuildURL(ts.srv.URL, ts.hub.Party(), room, token)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials and waits until the hub counts the session.
func (ts *testServer) join(t *testing.T, room, token string) *websocket.Conn {
	t.Helper()
	before := ts.hub.SessionCount(room)
	conn := ts.dial(t, room, token)
	require.Eventually(t, func() bool { return ts.hub.SessionCount(room) == before+1 },
		2*time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	data := readMessage(t, conn)
	frame, ok := models.DecodeFrame(data)
	require.True(t, ok, string(data))
	return frame
}

// readClose reads until the server closes and returns the close error.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close, got %v", err)
		return ce
	}
}

// assertSilent checks that nothing arrives for a short while. The
// connection is unusable for reads afterwards.
func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %s", data)
}

func send(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func signToken(t *testing.T, sub string, maps map[string]string, issued time.Time) string {
	t.Helper()
	token, err := party.SignClaims(party.Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:  sub,
			IssuedAt: gojwt.NewNumericDate(issued),
		},
		Maps: maps,
	}, testSecret)
	require.NoError(t, err)
	return token
}

// fakeStores records writes and serves canned reads.
type fakeStores struct {
	mu       sync.Mutex
	upserts  []string
	actors   []string
	deletes  []string
	stored   []models.SyncEnvelope
	trims    []int
	snapshot models.GraphSnapshot
	recent   []models.SyncEnvelope
	loadErr  error
	// loadGate holds Load until it is closed.
	loadGate chan struct{}
}

func (f *fakeStores) Store(_ context.Context, _ string, env models.SyncEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, env)
	return nil
}

func (f *fakeStores) Recent(_ context.Context, _ string, limit int) ([]models.SyncEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.recent
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStores) DeleteOld(_ context.Context, _ string, keep int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trims = append(f.trims, keep)
	return 0, nil
}

func (f *fakeStores) Upsert(_ context.Context, _ string, entity models.Entity, id string, _ models.GraphRecord, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, string(entity)+"/"+id)
	f.actors = append(f.actors, actorID)
	return nil
}

func (f *fakeStores) Delete(_ context.Context, _ string, entity models.Entity, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, string(entity)+"/"+id)
	return nil
}

func (f *fakeStores) Load(ctx context.Context, _ string) (models.GraphSnapshot, error) {
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.loadErr
}

func (f *fakeStores) upsertActors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actors...)
}

func (f *fakeStores) writes() (upserts, deletes []string, stored int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upserts = append([]string(nil), f.upserts...)
	deletes = append([]string(nil), f.deletes...)
	sort.Strings(upserts)
	sort.Strings(deletes)
	return upserts, deletes, len(f.stored)
}
