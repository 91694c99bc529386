package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentnet-dev/agentnet/internal/event"
	"github.com/agentnet-dev/agentnet/internal/metrics"
)

type fakeAgent struct {
	mu       sync.Mutex
	peers    map[string]string
	chatFn   func(message, correlationID string) (string, error)
	chatSeen []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{peers: make(map[string]string)}
}

func (a *fakeAgent) Name() string           { return "alice" }
func (a *fakeAgent) PeerPort() int          { return 8001 }
func (a *fakeAgent) UptimeSeconds() float64 { return 42 }

func (a *fakeAgent) Peers() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.peers))
	for k, v := range a.peers {
		out[k] = v
	}
	return out
}

func (a *fakeAgent) Connect(peerName, endpoint string) error {
	if peerName == a.Name() {
		return fmt.Errorf("agent cannot connect to itself")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[peerName] = endpoint
	return nil
}

func (a *fakeAgent) Disconnect(peerName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, peerName)
}

func (a *fakeAgent) ChatWithUser(ctx context.Context, message, correlationID string) (string, error) {
	a.mu.Lock()
	a.chatSeen = append(a.chatSeen, message)
	a.mu.Unlock()
	if a.chatFn != nil {
		return a.chatFn(message, correlationID)
	}
	return "reply to: " + message, nil
}

func startControl(t *testing.T, agent Agent, bus *event.Bus) (*Server, *Client) {
	t.Helper()
	path := SocketPath(t.TempDir(), "alice")
	srv := NewServer(path, agent, bus, metrics.NewCollector("alice"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv, NewClient(path)
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHealthCommand(t *testing.T) {
	_, client := startControl(t, newFakeAgent(), event.NewBus(10))

	reply, err := client.Health(ctxWithTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "ready", reply["status"])
	assert.Equal(t, float64(8001), reply["peer_port"])
	assert.Equal(t, float64(42), reply["uptime_s"])
}

func TestHealthStartingUntilReady(t *testing.T) {
	srv, client := startControl(t, newFakeAgent(), event.NewBus(10))
	ready := false
	srv.Ready = func() bool { return ready }

	reply, err := client.Health(ctxWithTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "starting", reply["status"])

	ready = true
	reply, err = client.Health(ctxWithTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "ready", reply["status"])
}

func TestConnectDisconnectListRoundTrip(t *testing.T) {
	agent := newFakeAgent()
	_, client := startControl(t, agent, event.NewBus(10))
	ctx := ctxWithTimeout(t)

	require.NoError(t, client.Connect(ctx, "bob", "http://127.0.0.1:8002/mcp"))

	peers, err := client.ListConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "http://127.0.0.1:8002/mcp"}, peers)

	require.NoError(t, client.Disconnect(ctx, "bob"))
	peers, err = client.ListConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestConnectSelfRejected(t *testing.T) {
	_, client := startControl(t, newFakeAgent(), event.NewBus(10))
	err := client.Connect(ctxWithTimeout(t), "alice", "http://127.0.0.1:8001/mcp")
	assert.Error(t, err)
}

func TestChatCommand(t *testing.T) {
	agent := newFakeAgent()
	_, client := startControl(t, agent, event.NewBus(10))

	reply, err := client.Chat(ctxWithTimeout(t), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "reply to: hello", reply)
}

func TestUnknownCommand(t *testing.T) {
	_, client := startControl(t, newFakeAgent(), event.NewBus(10))
	_, err := client.Do(ctxWithTimeout(t), Request{Cmd: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_command")
}

func TestMetricsJSONAndPrometheus(t *testing.T) {
	_, client := startControl(t, newFakeAgent(), event.NewBus(10))
	ctx := ctxWithTimeout(t)

	reply, err := client.Metrics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "json", reply["format"])
	assert.Contains(t, reply["metrics"].(map[string]any), "agentnet_model_calls_total")

	reply, err = client.Metrics(ctx, "prometheus")
	require.NoError(t, err)
	assert.Contains(t, reply["metrics"].(string), "agentnet_uptime_seconds")
}

func TestShutdownAcknowledgedThenCallbackRuns(t *testing.T) {
	bus := event.NewBus(10)
	srv, client := startControl(t, newFakeAgent(), bus)

	done := make(chan struct{})
	srv.OnShutdown = func() { close(done) }

	require.NoError(t, client.Shutdown(ctxWithTimeout(t)))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never ran")
	}

	kinds := bus.History(0)
	require.NotEmpty(t, kinds)
	assert.Equal(t, event.KindShutdownRequested, kinds[len(kinds)-1].Kind)
}

func TestSubscribeEventsReplayAndLive(t *testing.T) {
	bus := event.NewBus(100)
	_, client := startControl(t, newFakeAgent(), bus)

	bus.Publish(event.KindTurnStarted, "c1", "", nil)
	bus.Publish(event.KindTurnFinished, "c1", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []event.Event
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.SubscribeEvents(ctx, 1, func(ev event.Event) bool {
			got = append(got, ev)
			return len(got) < 3
		})
	}()

	// A live event published after subscription must arrive after the
	// backlog.
	time.Sleep(100 * time.Millisecond)
	bus.Publish(event.KindError, "c1", "", nil)

	require.NoError(t, <-errCh)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, int64(3), got[2].Seq)
	assert.Equal(t, event.KindError, got[2].Kind)
}

func TestMalformedRequestGetsErrorThenClose(t *testing.T) {
	srv, _ := startControl(t, newFakeAgent(), event.NewBus(10))

	conn, err := net.Dial("unix", srv.Path())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "malformed_request")
}

func TestStaleSocketCleanedOnStart(t *testing.T) {
	dir := t.TempDir()
	path := SocketPath(dir, "alice")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	srv := NewServer(path, newFakeAgent(), event.NewBus(10), metrics.NewCollector("alice"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	defer srv.Close()

	_, err := NewClient(path).Health(ctxWithTimeout(t))
	assert.NoError(t, err)
}

func TestLiveSocketRefused(t *testing.T) {
	agent := newFakeAgent()
	srv, _ := startControl(t, agent, event.NewBus(10))

	second := NewServer(srv.Path(), agent, event.NewBus(10), metrics.NewCollector("alice"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestCloseRemovesSocketFile(t *testing.T) {
	srv, _ := startControl(t, newFakeAgent(), event.NewBus(10))
	path := srv.Path()
	require.NoError(t, srv.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
