// Package rpc speaks line-delimited JSON-RPC 2.0 over a reader/writer pair,
// normally stdin/stdout. Requests dispatch to registered handlers;
// notifications push engine events (streaming deltas, phase changes) to the
// host without a request.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"clipstudio/engine/internal/logging"
)

const jsonRPCVersion = "2.0"

// Error codes follow the JSON-RPC 2.0 spec; application failures use the
// implementation-defined range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeApplication    = -32000
)

// maxLineBytes bounds one inbound request line. File payloads travel by
// path, not by value, so requests stay small.
const maxLineBytes = 4 * 1024 * 1024

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error is what a handler returns on failure. A zero Code becomes
// CodeApplication on the wire.
type Error struct {
	Code    int
	Message string
	Data    any
}

type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

type Server struct {
	scanner  *bufio.Scanner
	writeMu  sync.Mutex
	writer   *bufio.Writer
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewServer(r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Server{
		scanner:  scanner,
		writer:   bufio.NewWriter(w),
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register must be called before Serve; the handler map is not guarded.
func (s *Server) Register(method string, handler Handler) {
	s.handlers[method] = handler
}

// Serve reads request lines until EOF or context cancellation. Each request
// runs in its own goroutine so a long-streaming turn never blocks status
// queries; per-conversation ordering is the engine's job, not the
// transport's.
func (s *Server) Serve(ctx context.Context) error {
	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("rpc.parse_failed", "error", err.Error())
			s.respondError(nil, CodeParseError, "parse error", nil)
			continue
		}
		if req.JSONRPC != jsonRPCVersion || req.Method == "" {
			s.logger.Warn("rpc.invalid_request", "version", req.JSONRPC, "method", req.Method)
			s.respondError(req.ID, CodeInvalidRequest, "invalid request", nil)
			continue
		}
		handler, ok := s.handlers[req.Method]
		if !ok {
			s.logger.Warn("rpc.method_not_found", "method", req.Method)
			s.respondError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
			continue
		}
		s.logger.Debug("rpc.request", "method", req.Method, "id", string(req.ID), "params", logging.RedactJSON(req.Params))
		go s.dispatch(ctx, req, handler)
	}
	return s.scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req Request, handler Handler) {
	result, herr := handler(ctx, req.Params)
	if req.ID == nil {
		return
	}
	if herr != nil {
		code := herr.Code
		if code == 0 {
			code = CodeApplication
		}
		s.logger.Warn("rpc.handler_failed", "method", req.Method, "id", string(req.ID), "error", herr.Message)
		s.respondError(req.ID, code, herr.Message, herr.Data)
		return
	}
	s.logger.Debug("rpc.response", "method", req.Method, "id", string(req.ID))
	s.write(Response{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
}

// Notify pushes a server-initiated event. Safe for concurrent use with
// in-flight responses.
func (s *Server) Notify(method string, params any) {
	s.logger.Debug("rpc.notify", "method", method)
	s.write(Notification{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

func (s *Server) respondError(id json.RawMessage, code int, message string, data any) {
	s.write(Response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &ErrorPayload{Code: code, Message: message, Data: data},
	})
}

func (s *Server) write(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("rpc.encode_failed", "error", err.Error())
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.writer.Write(append(data, '\n'))
	_ = s.writer.Flush()
}
