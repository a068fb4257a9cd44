// Package rpc provides a lightweight JSON-over-TCP RPC framework for
// internal service-to-service communication, used by the pipeline's
// Theme service (FitPartition, Decode, Stats).
//
// This is a custom implementation that avoids a full
// google.golang.org/grpc dependency while keeping the core RPC patterns:
// method registration, dispatch, request/response framing.
//
// Protocol: newline-delimited JSON over a persistent TCP connection.
//
// Example server:
//
//	s := rpc.NewServer(nil)
//	s.Register("Theme.FitPartition", func(ctx context.Context, req json.RawMessage) (any, error) {
//	    var fitReq proto.FitPartitionRequest
//	    json.Unmarshal(req, &fitReq)
//	    return &proto.FitPartitionResponse{...}, nil
//	})
//	s.Serve(":9100")
//
// Example client:
//
//	c, _ := rpc.Dial("localhost:9100")
//	var resp proto.FitPartitionResponse
//	c.Call(ctx, "Theme.FitPartition", &proto.FitPartitionRequest{...}, &resp)
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arjunv/themeflow/pkg/metrics"
)

// HandlerFunc processes an RPC request and returns a response or error.
type HandlerFunc func(ctx context.Context, req json.RawMessage) (any, error)

// Request is the wire format for an RPC request.
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Response is the wire format for an RPC response.
type Response struct {
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Server is a lightweight JSON-over-TCP RPC server.
type Server struct {
	handlers map[string]HandlerFunc
	listener net.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics
	mu       sync.RWMutex
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewServer creates a new RPC server. m may be nil, in which case no
// Prometheus metrics are recorded.
func NewServer(m *metrics.Metrics) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default().With("component", "rpc-server"),
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Register adds a handler for the given RPC method name. Method names
// follow the "Service.Method" convention, e.g. "Theme.FitPartition".
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	s.logger.Debug("method registered", "method", method)
}

// Serve starts accepting TCP connections on addr. It blocks until Stop
// is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("rpc server listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}

		s.mu.RLock()
		handler, exists := s.handlers[req.Method]
		s.mu.RUnlock()

		resp := Response{ID: req.ID}

		if s.metrics != nil {
			s.metrics.RPCRequestsInFlight.Inc()
		}
		start := time.Now()

		if !exists {
			resp.Error = fmt.Sprintf("unknown method: %s", req.Method)
		} else {
			data, err := handler(context.Background(), req.Params)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Data = data
			}
		}

		if s.metrics != nil {
			status := "ok"
			if resp.Error != "" {
				status = "error"
			}
			s.metrics.RPCRequestsInFlight.Dec()
			s.metrics.RPCRequestsTotal.WithLabelValues(req.Method, status).Inc()
			s.metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		}

		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("write error", "method", req.Method, "error", err)
			return
		}
	}
}

// Addr returns the address the server is listening on. It is only valid
// after Serve has started accepting connections.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MethodCount returns the number of registered methods.
func (s *Server) MethodCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Stop gracefully shuts down the server, waiting for in-flight
// connections to drain.
func (s *Server) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}
