package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client timeouts. Request covers the whole call including the remote
// agent's own reasoning loop, so it is generous by default.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// Client issues outbound peer calls over a pooled HTTP transport.
type Client struct {
	http *http.Client
}

// NewClient creates a client with the given timeouts; zero values select
// the defaults.
func NewClient(connectTimeout, requestTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ReceiveMessage delivers a message to a peer's inbound surface and
// returns the peer's textual reply.
func (c *Client) ReceiveMessage(ctx context.Context, peerName, endpoint, from, message, correlationID string) (string, error) {
	var result TextResult
	err := c.call(ctx, peerName, endpoint, MethodReceiveMessage, ReceiveMessageParams{
		From:          from,
		Message:       message,
		CorrelationID: correlationID,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// Status fetches a peer's self-description.
func (c *Client) Status(ctx context.Context, peerName, endpoint string) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, peerName, endpoint, MethodStatus, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes an external tool endpoint declared in a descriptor.
func (c *Client) CallTool(ctx context.Context, toolName, endpoint string, args map[string]any, correlationID string) (string, error) {
	var result TextResult
	err := c.call(ctx, toolName, endpoint, MethodCallTool, CallToolParams{
		Name:          toolName,
		Arguments:     args,
		CorrelationID: correlationID,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (c *Client) call(ctx context.Context, peerName, endpoint, method string, params, result any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return &CallError{Peer: peerName, Endpoint: endpoint, Phase: PhaseRequest, Err: err}
	}
	body, err := json.Marshal(Request{Method: method, Params: rawParams, ID: uuid.New().String()})
	if err != nil {
		return &CallError{Peer: peerName, Endpoint: endpoint, Phase: PhaseRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &CallError{Peer: peerName, Endpoint: endpoint, Phase: PhaseRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		phase := PhaseRequest
		if isDialError(err) {
			phase = PhaseDial
		}
		return &CallError{Peer: peerName, Endpoint: endpoint, Phase: phase, Err: err}
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return &CallError{Peer: peerName, Endpoint: endpoint, Phase: PhaseDecode, Err: err}
	}
	if resp.Error != nil {
		return &CallError{Peer: peerName, Endpoint: endpoint, Phase: PhaseRemote, Err: resp.Error}
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return &CallError{Peer: peerName, Endpoint: endpoint, Phase: PhaseDecode, Err: err}
		}
	}
	return nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return strings.Contains(err.Error(), "connection refused")
}

// Endpoint renders the canonical peer endpoint URL for a port.
func Endpoint(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, RPCPath)
}
