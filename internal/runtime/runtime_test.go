package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentnet-dev/agentnet/internal/event"
	"github.com/agentnet-dev/agentnet/internal/metrics"
	"github.com/agentnet-dev/agentnet/internal/peer"
	"github.com/agentnet-dev/agentnet/internal/provider"
)

func testRuntime(t *testing.T, mock *provider.MockProvider) (*Runtime, *event.Bus) {
	t.Helper()
	bus := event.NewBus(100)
	rt := New(Options{
		Name:     "alice",
		Role:     "helpful assistant",
		PeerPort: 8001,
		Provider: mock,
		Bus:      bus,
		Metrics:  metrics.NewCollector("alice"),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return rt, bus
}

func toolCallResponse(toolName, message string) *provider.Response {
	return &provider.Response{
		ToolCalls: []provider.ToolCall{{
			ID:        "tc-1",
			Name:      toolName,
			Arguments: map[string]any{"message": message},
		}},
	}
}

func TestChatPlainReply(t *testing.T) {
	mock := provider.NewMockProvider("m")
	mock.Enqueue(&provider.Response{Content: "hello there"})
	rt, bus := testRuntime(t, mock)

	reply, err := rt.ChatWithUser(context.Background(), "hi", "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)

	kinds := eventKinds(bus)
	assert.Contains(t, kinds, event.KindTurnStarted)
	assert.Contains(t, kinds, event.KindModelRequest)
	assert.Contains(t, kinds, event.KindModelResponse)
	assert.Contains(t, kinds, event.KindTurnFinished)
}

func TestChatDispatchesPeerTool(t *testing.T) {
	// A fake peer answering receive_message.
	peerPort := startFakePeer(t, "Paris")

	mock := provider.NewMockProvider("m")
	mock.Enqueue(toolCallResponse("communicate_with_bob", "capital of France?"))
	mock.Enqueue(&provider.Response{Content: "Bob says the capital of France is Paris."})

	rt, bus := testRuntime(t, mock)
	require.NoError(t, rt.Connect("bob", peer.Endpoint(peerPort)))

	reply, err := rt.ChatWithUser(context.Background(), "Ask bob what the capital of France is", "c1")
	require.NoError(t, err)
	assert.Contains(t, reply, "Paris")

	kinds := eventKinds(bus)
	assert.Contains(t, kinds, event.KindToolCallStarted)
	assert.Contains(t, kinds, event.KindToolCallFinished)
	assert.Contains(t, kinds, event.KindPeerMessageSent)

	// The tool result fed to the second model call is the peer's reply.
	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "Paris", last.Content)
}

func TestUnknownPeerBecomesToolError(t *testing.T) {
	mock := provider.NewMockProvider("m")
	mock.Enqueue(toolCallResponse("communicate_with_ghost", "hi"))
	mock.Enqueue(&provider.Response{Content: "I cannot reach ghost."})

	rt, _ := testRuntime(t, mock)

	reply, err := rt.ChatWithUser(context.Background(), "talk to ghost", "c1")
	require.NoError(t, err)
	assert.Equal(t, "I cannot reach ghost.", reply)

	reqs := mock.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	var toolErr map[string]string
	require.NoError(t, json.Unmarshal([]byte(last.Content), &toolErr))
	assert.Equal(t, "unknown_peer", toolErr["error"])
}

func TestIterationCap(t *testing.T) {
	mock := provider.NewMockProvider("m")
	// The model keeps requesting an unknown tool forever.
	for range DefaultMaxIterations + 2 {
		mock.Enqueue(toolCallResponse("communicate_with_ghost", "again"))
	}

	rt, bus := testRuntime(t, mock)
	_, err := rt.ChatWithUser(context.Background(), "loop forever", "c1")
	require.NoError(t, err)

	assert.Contains(t, eventKinds(bus), event.KindTurnCapped)
	assert.Len(t, mock.Requests(), DefaultMaxIterations)
}

func TestModelErrorSurfacesAfterRetries(t *testing.T) {
	mock := provider.NewMockProvider("m")
	for range DefaultModelRetries {
		mock.EnqueueError(provider.NewError("mock", provider.ErrorCodeServerError, "boom", nil))
	}

	rt, bus := testRuntime(t, mock)
	_, err := rt.ChatWithUser(context.Background(), "hi", "c1")
	require.Error(t, err)

	assert.Contains(t, eventKinds(bus), event.KindError)
	assert.Len(t, mock.Requests(), DefaultModelRetries)

	// The conversation is idle again and accepts new input.
	mock.Enqueue(&provider.Response{Content: "recovered"})
	reply, err := rt.ChatWithUser(context.Background(), "again", "c1")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
}

func TestNonRetryableModelErrorFailsFast(t *testing.T) {
	mock := provider.NewMockProvider("m")
	mock.EnqueueError(provider.NewError("mock", provider.ErrorCodeAuthentication, "bad key", nil))

	rt, _ := testRuntime(t, mock)
	_, err := rt.ChatWithUser(context.Background(), "hi", "c1")
	require.Error(t, err)
	assert.Len(t, mock.Requests(), 1)
}

func TestPeerMessageAnsweredWithoutTools(t *testing.T) {
	mock := provider.NewMockProvider("m")
	mock.Enqueue(&provider.Response{Content: "Paris"})

	rt, bus := testRuntime(t, mock)
	require.NoError(t, rt.Connect("carol", "http://127.0.0.1:9999/mcp"))

	reply, err := rt.ReceiveMessage(context.Background(), "alice-2", "capital of France?", "c7")
	require.NoError(t, err)
	assert.Equal(t, "Paris", reply)

	// Peer-originated turns get no tool set by default.
	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools)

	assert.Contains(t, eventKinds(bus), event.KindPeerMessageReceived)
}

func TestConversationIsolation(t *testing.T) {
	mock := provider.NewMockProvider("m")
	rt, _ := testRuntime(t, mock)

	_, err := rt.ChatWithUser(context.Background(), "first conversation", "c1")
	require.NoError(t, err)
	_, err = rt.ChatWithUser(context.Background(), "second conversation", "c2")
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	// c2's request must not contain c1's history.
	for _, m := range reqs[1].Messages {
		assert.NotContains(t, m.Content, "first conversation")
	}
}

func TestPreambleListsPeers(t *testing.T) {
	mock := provider.NewMockProvider("m")
	rt, _ := testRuntime(t, mock)
	require.NoError(t, rt.Connect("bob", "http://x/mcp"))

	_, err := rt.ChatWithUser(context.Background(), "hi", "c1")
	require.NoError(t, err)

	reqs := mock.Requests()
	system := reqs[0].Messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "bob")
	assert.Contains(t, system.Content, "helpful assistant")

	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "communicate_with_bob", reqs[0].Tools[0].Name)
}

func TestNonNativePreambleCarriesInstruction(t *testing.T) {
	mock := provider.NewMockProvider("m")
	mock.SetNativeTools(false)
	rt, _ := testRuntime(t, mock)
	require.NoError(t, rt.Connect("bob", "http://x/mcp"))

	_, err := rt.ChatWithUser(context.Background(), "hi", "c1")
	require.NoError(t, err)

	reqs := mock.Requests()
	system := reqs[0].Messages[0]
	assert.Contains(t, system.Content, "<tool_use>")
	assert.Empty(t, reqs[0].Tools, "non-native models get the instruction block, not native tools")
}

func TestStatusReflectsTable(t *testing.T) {
	mock := provider.NewMockProvider("m")
	rt, _ := testRuntime(t, mock)
	require.NoError(t, rt.Connect("bob", "http://x/mcp"))

	status := rt.Status(context.Background())
	assert.Equal(t, "alice", status.Name)
	assert.Equal(t, []string{"bob"}, status.Peers)
}

func eventKinds(bus *event.Bus) []event.Kind {
	history := bus.History(0)
	kinds := make([]event.Kind, len(history))
	for i, ev := range history {
		kinds[i] = ev.Kind
	}
	return kinds
}

type echoPeer struct{ reply string }

func (e *echoPeer) ReceiveMessage(ctx context.Context, from, message, correlationID string) (string, error) {
	return e.reply, nil
}
func (e *echoPeer) ChatWithUser(ctx context.Context, message, correlationID string) (string, error) {
	return e.reply, nil
}
func (e *echoPeer) Status(ctx context.Context) peer.StatusResult {
	return peer.StatusResult{Name: "bob"}
}

func startFakePeer(t *testing.T, reply string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv := peer.NewServer(port, &echoPeer{reply: reply}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return port
}
