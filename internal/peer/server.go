package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Server is the inbound peer-transport endpoint: an HTTP server on the
// agent's peer port that dispatches JSON-RPC-shaped requests to a Handler.
type Server struct {
	port    int
	handler Handler
	log     *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	convs    map[string]*convLock
}

// convLock serializes requests within one conversation.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit bounds accepted requests per second with the given burst.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewServer creates an inbound server for an agent.
func NewServer(port int, handler Handler, log *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		port:    port,
		handler: handler,
		log:     log,
		convs:   make(map[string]*convLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and begins serving. It returns once the
// listener is accepting, so callers can gate readiness on it; serving
// continues until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("bind peer port %d: %w", s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RPCPath, s.handleRPC)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("peer server stopped", "error", err)
		}
	}()
	return nil
}

// Listening reports whether the inbound listener is bound.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Shutdown stops accepting and drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{Error: &RPCError{Code: CodeInvalidParams, Message: "malformed request body"}})
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		writeResponse(w, Response{ID: req.ID, Error: &RPCError{Code: CodeRateLimited, Message: "rate limit exceeded"}})
		return
	}

	resp := s.dispatch(r.Context(), req)
	resp.ID = req.ID
	writeResponse(w, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		// A panicking handler must answer with an error, never kill the
		// agent.
		if r := recover(); r != nil {
			s.log.Error("peer handler panic", "method", req.Method, "panic", r)
			resp = errResponse(CodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	switch req.Method {
	case MethodReceiveMessage:
		var params ReceiveMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.From == "" {
			return errResponse(CodeInvalidParams, "receive_message requires from and message")
		}
		return s.serialized(params.CorrelationID, func() Response {
			text, err := s.handler.ReceiveMessage(ctx, params.From, params.Message, params.CorrelationID)
			if err != nil {
				return errResponse(CodeInternal, err.Error())
			}
			return textResponse(text)
		})

	case MethodChatWithUser:
		var params ChatParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(CodeInvalidParams, "chat_with_user requires message")
		}
		return s.serialized(params.CorrelationID, func() Response {
			text, err := s.handler.ChatWithUser(ctx, params.Message, params.CorrelationID)
			if err != nil {
				return errResponse(CodeInternal, err.Error())
			}
			return textResponse(text)
		})

	case MethodStatus:
		result, err := json.Marshal(s.handler.Status(ctx))
		if err != nil {
			return errResponse(CodeInternal, err.Error())
		}
		return Response{Result: result}

	default:
		return errResponse(CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

// serialized runs fn holding the conversation's lock so turns within one
// correlation id are strictly ordered. An empty id is not serialized.
func (s *Server) serialized(correlationID string, fn func() Response) Response {
	if correlationID == "" {
		return fn()
	}

	s.mu.Lock()
	lock, ok := s.convs[correlationID]
	if !ok {
		lock = &convLock{}
		s.convs[correlationID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.convs, correlationID)
		}
		s.mu.Unlock()
	}()
	return fn()
}

func textResponse(text string) Response {
	result, err := json.Marshal(TextResult{Text: text})
	if err != nil {
		return errResponse(CodeInternal, err.Error())
	}
	return Response{Result: result}
}

func errResponse(code int, message string) Response {
	return Response{Error: &RPCError{Code: code, Message: message}}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
