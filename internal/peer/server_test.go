package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu       sync.Mutex
	received []ReceiveMessageParams
	reply    string
	delay    time.Duration
	panics   bool
	inFlight int
	maxSeen  int
}

func (h *fakeHandler) ReceiveMessage(ctx context.Context, from, message, correlationID string) (string, error) {
	if h.panics {
		panic("handler blew up")
	}
	h.mu.Lock()
	h.inFlight++
	if h.inFlight > h.maxSeen {
		h.maxSeen = h.inFlight
	}
	h.received = append(h.received, ReceiveMessageParams{From: from, Message: message, CorrelationID: correlationID})
	h.mu.Unlock()

	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	h.mu.Lock()
	h.inFlight--
	h.mu.Unlock()
	return h.reply, nil
}

func (h *fakeHandler) ChatWithUser(ctx context.Context, message, correlationID string) (string, error) {
	return "chat: " + message, nil
}

func (h *fakeHandler) Status(ctx context.Context) StatusResult {
	return StatusResult{Name: "bob", Peers: []string{"alice"}, UptimeSeconds: 1}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, h Handler) (int, *Server) {
	t.Helper()
	port := freePort(t)
	srv := NewServer(port, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return port, srv
}

func TestReceiveMessageRoundTrip(t *testing.T) {
	h := &fakeHandler{reply: "Paris"}
	port, _ := startServer(t, h)

	client := NewClient(0, 0)
	text, err := client.ReceiveMessage(context.Background(), "bob", Endpoint(port), "alice", "capital of France?", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Paris", text)

	require.Len(t, h.received, 1)
	assert.Equal(t, "alice", h.received[0].From)
	assert.Equal(t, "c1", h.received[0].CorrelationID)
}

func TestStatusRoundTrip(t *testing.T) {
	port, _ := startServer(t, &fakeHandler{})

	client := NewClient(0, 0)
	status, err := client.Status(context.Background(), "bob", Endpoint(port))
	require.NoError(t, err)
	assert.Equal(t, "bob", status.Name)
	assert.Equal(t, []string{"alice"}, status.Peers)
}

func TestUnknownMethod(t *testing.T) {
	port, _ := startServer(t, &fakeHandler{})

	client := NewClient(0, 0)
	err := client.call(context.Background(), "bob", Endpoint(port), "no_such_method", struct{}{}, nil)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, PhaseRemote, callErr.Phase)
}

func TestHandlerPanicBecomesRPCError(t *testing.T) {
	port, _ := startServer(t, &fakeHandler{panics: true})

	client := NewClient(0, 0)
	_, err := client.ReceiveMessage(context.Background(), "bob", Endpoint(port), "alice", "hi", "c1")

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, PhaseRemote, callErr.Phase)
	assert.Contains(t, callErr.Err.Error(), "panic")
}

func TestDialFailureReportsDialPhase(t *testing.T) {
	client := NewClient(100*time.Millisecond, time.Second)
	_, err := client.ReceiveMessage(context.Background(), "bob", Endpoint(freePort(t)), "alice", "hi", "c1")

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, PhaseDial, callErr.Phase)
}

func TestSameConversationSerialized(t *testing.T) {
	h := &fakeHandler{reply: "ok", delay: 30 * time.Millisecond}
	port, _ := startServer(t, h)
	client := NewClient(0, 0)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ReceiveMessage(context.Background(), "bob", Endpoint(port), "alice", "m", "same-conv")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.maxSeen, "turns within one conversation must be serialized")
}

func TestDifferentConversationsConcurrent(t *testing.T) {
	h := &fakeHandler{reply: "ok", delay: 50 * time.Millisecond}
	port, _ := startServer(t, h)
	client := NewClient(0, 0)

	start := time.Now()
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.ReceiveMessage(context.Background(), "bob", Endpoint(port), "alice", "m", fmt.Sprintf("conv-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Four serialized calls would take >= 200ms.
	assert.Less(t, time.Since(start), 180*time.Millisecond)
}

func TestRateLimitRejects(t *testing.T) {
	port := freePort(t)
	srv := NewServer(port, &fakeHandler{reply: "ok"}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithRateLimit(1, 1))
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	client := NewClient(0, 0)
	var limited bool
	for range 5 {
		_, err := client.ReceiveMessage(context.Background(), "bob", Endpoint(port), "alice", "m", "")
		var callErr *CallError
		if err != nil && assert.ErrorAs(t, err, &callErr) {
			var rpcErr *RPCError
			if assert.ErrorAs(t, callErr.Err, &rpcErr) && rpcErr.Code == CodeRateLimited {
				limited = true
			}
		}
	}
	assert.True(t, limited, "burst beyond the limiter must be rejected")
}
