package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-sync/internal/models"
	"collab-sync/internal/party"
	"collab-sync/internal/services/collaboration"
	"collab-sync/internal/services/relay"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const syncRoom = "mind-map:m1:sync"

var testSecret = []byte("cli-test-secret")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, secret []byte) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(relay.Config{JWTSecret: secret, Logger: quietLogger()})
	hub.Start()
	router := mux.NewRouter()
	relay.NewHandler(hub).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, srv.URL
}

// syncBuffer is a bytes.Buffer safe for the printer and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(ctx context.Context, out io.Writer, args ...string) error {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(ctx)
}

func joinRoom(t *testing.T, hub *relay.Hub, url string) *collaboration.Room {
	t.Helper()
	reg := collaboration.NewRegistry(collaboration.Options{
		ActorID: "u-watcher",
		Dialer: collaboration.NewWebSocketDialer(collaboration.WebSocketDialerConfig{
			BaseURL: url, Party: hub.Party(), Logger: quietLogger(),
		}),
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		Logger:    quietLogger(),
	})
	t.Cleanup(reg.Shutdown)
	room, release := reg.Acquire(syncRoom)
	t.Cleanup(release)
	require.Eventually(t, func() bool { return hub.SessionCount(syncRoom) == 1 }, 2*time.Second, 5*time.Millisecond)
	return room
}

func TestRoot_RejectsFormat(t *testing.T) {
	err := run(context.Background(), io.Discard, "--format", "yaml", "send", syncRoom, "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestSend_AppendsEnvelope(t *testing.T) {
	hub, url := startRelay(t, nil)
	room := joinRoom(t, hub, url)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, "--url", url, "send", syncRoom, "chat", `{"text":"hi"}`))
	assert.Contains(t, out.String(), "sent ")

	require.Eventually(t, func() bool { return room.LogLen() == 1 }, 2*time.Second, 5*time.Millisecond)
	env := room.Envelopes()[0]
	assert.Equal(t, "chat", env.Event)
	assert.Equal(t, map[string]any{"text": "hi"}, env.Payload)
}

func TestSend_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad payload", []string{"send", syncRoom, "chat", "{nope"}, "not valid JSON"},
		{"bad room", []string{"send", "lobby", "chat"}, "invalid room name"},
		{"unknown mutation", []string{"mutate", syncRoom, "node:rename", `{"id":"n1"}`}, "unknown mutation"},
		{"record without id", []string{"mutate", syncRoom, "node:create", `{"label":"x"}`}, `no "id"`},
		{"record not object", []string{"mutate", syncRoom, "node:create", `[1]`}, "not a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, append([]string{"--url", "http://127.0.0.1:1"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMutate_AppliesToRoom(t *testing.T) {
	hub, url := startRelay(t, nil)
	room := joinRoom(t, hub, url)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, "--url", url, "--actor", "u-cli",
		"mutate", syncRoom, models.EventNodeCreate, `{"id":"n1","label":"root"}`))
	assert.Equal(t, "node add n1 by u-cli\n", out.String())

	require.Eventually(t, func() bool {
		node, ok := room.Node("n1")
		return ok && node["label"] == "root"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "u-cli", room.Meta().ActorID)
}

func TestMutate_AcceptsDataForm(t *testing.T) {
	hub, url := startRelay(t, nil)
	room := joinRoom(t, hub, url)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, "--url", url, "--actor", "u-cli",
		"mutate", syncRoom, models.EventNodeCreate, `{"data":{"id":"n1","label":"root"}}`))
	assert.Contains(t, out.String(), "node add n1")

	require.Eventually(t, func() bool {
		node, ok := room.Node("n1")
		return ok && node["label"] == "root"
	}, 2*time.Second, 5*time.Millisecond)

	server, ok := hub.Registry().Lookup(syncRoom)
	require.True(t, ok)
	_, ok = server.Node("n1")
	assert.True(t, ok)
}

func TestMutate_PrintsObservedChange(t *testing.T) {
	hub, url := startRelay(t, nil)
	room := joinRoom(t, hub, url)
	require.True(t, room.ApplyMutation(models.EventNodeCreate, map[string]any{"id": "n1", "label": "root"}))
	require.Eventually(t, func() bool {
		server, ok := hub.Registry().Lookup(syncRoom)
		if !ok {
			return false
		}
		_, ok = server.Node("n1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	tests := []struct {
		name   string
		event  string
		record string
		want   string
	}{
		{"create of existing record", models.EventNodeCreate, `{"id":"n1","label":"idea"}`, "node update n1 by u-cli\n"},
		{"delete of missing record", models.EventNodeDelete, `{"id":"n9"}`, "node:delete n9: no change\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, run(context.Background(), &out, "--url", url, "--actor", "u-cli",
				"mutate", syncRoom, tt.event, tt.record))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestSend_RefusedWithoutToken(t *testing.T) {
	_, url := startRelay(t, testSecret)

	err := run(context.Background(), io.Discard, "--url", url, "send", syncRoom, "ping", "--settle", "1s")
	assert.ErrorIs(t, err, ErrRefused)
}

func TestWatchCollaborators_EndsForNonOwner(t *testing.T) {
	_, url := startRelay(t, testSecret)
	token, err := party.SignClaims(party.Claims{
		RegisteredClaims: gojwt.RegisteredClaims{Subject: "u1", IssuedAt: gojwt.NewNumericDate(time.Now())},
		Maps:             map[string]string{"m1": models.RoleEditor},
	}, testSecret)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = run(ctx, io.Discard, "--url", url, "--token", token, "watch", "collaborators", "m1")
	assert.ErrorIs(t, err, ErrAccessEnded)
	assert.Contains(t, err.Error(), models.CloseReasonOwnerOnly)
}

func TestWatchPermissions_PrintsSnapshot(t *testing.T) {
	hub, url := startRelay(t, nil)

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, out, "--url", url, "watch", "permissions", "m1") }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "snapshot m1 anonymous: role=owner")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.SessionCount("mind-map:m1:permissions"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchEvents_StreamsHistoryAndLive(t *testing.T) {
	hub, url := startRelay(t, nil)
	room := joinRoom(t, hub, url)
	room.Append("chat", "before")
	require.Eventually(t, func() bool { return serverLogLen(hub) == 1 }, 2*time.Second, 5*time.Millisecond)

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, out, "--url", url, "--format", "json", "watch", "events", syncRoom) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"payload":"before"`) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.SessionCount(syncRoom) == 2 }, 2*time.Second, 5*time.Millisecond)

	room.Append("chat", "after")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"payload":"after"`) }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func serverLogLen(hub *relay.Hub) int {
	room, ok := hub.Registry().Lookup(syncRoom)
	if !ok {
		return 0
	}
	return room.LogLen()
}
