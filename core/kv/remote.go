package kv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/pkg/connection"
)

// wireRequest is one operation on the wire, newline-delimited JSON.
type wireRequest struct {
	Op            string          `json:"op"`
	Location      Location        `json:"location"`
	Value         json.RawMessage `json:"value,omitempty"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	Cas           Cas             `json:"cas,omitempty"`
	Deleted       bool            `json:"deleted,omitempty"`
	AccessDeleted bool            `json:"access_deleted,omitempty"`
	Durability    DurabilityLevel `json:"durability,omitempty"`
	Statement     string          `json:"statement,omitempty"`
	Query         *QueryOptions   `json:"query,omitempty"`
}

// wireResponse mirrors wireRequest on the way back. Error carries the
// condition name so the client can rehydrate the matching sentinel.
type wireResponse struct {
	Status  string            `json:"status"`
	Error   string            `json:"error,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Meta    json.RawMessage   `json:"meta,omitempty"`
	Cas     Cas               `json:"cas,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`
	Rows    []json.RawMessage `json:"rows,omitempty"`
}

const (
	wireStatusOK    = "OK"
	wireStatusError = "ERROR"
)

var conditionNames = map[error]string{
	ErrDocumentNotFound: "document_not_found",
	ErrDocumentExists:   "document_exists",
	ErrCasMismatch:      "cas_mismatch",
	ErrTimeout:          "timeout",
	ErrNetwork:          "network_error",
	ErrPathNotFound:     "path_not_found",
}

func conditionByName(name string) error {
	for err, n := range conditionNames {
		if n == name {
			return err
		}
	}
	return fmt.Errorf("%w: remote condition %q", ErrNetwork, name)
}

func conditionName(err error) string {
	for cond, name := range conditionNames {
		if cond == err {
			return name
		}
	}
	// Unrecognized failures degrade to a network condition so the
	// classifier still has a total mapping.
	return "network_error"
}

// RemoteExecutor is an Executor that forwards every operation to a
// gojodb node over pooled TCP connections, one JSON request/response
// exchange per operation. Transport failures surface as ErrNetwork.
type RemoteExecutor struct {
	address string
	pool    *connection.Pool
	logger  *zap.Logger
}

// NewRemoteExecutor dials lazily; maxConns bounds pooled connections to
// the node, dialTimeout bounds each dial.
func NewRemoteExecutor(address string, maxConns int, dialTimeout time.Duration, logger *zap.Logger) *RemoteExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteExecutor{
		address: address,
		pool:    connection.NewPool(maxConns, dialTimeout),
		logger:  logger.With(zap.String("component", "remote_executor"), zap.String("address", address)),
	}
}

// Close releases all pooled connections.
func (r *RemoteExecutor) Close() {
	r.pool.Close()
}

func (r *RemoteExecutor) roundTrip(req *wireRequest) (*wireResponse, error) {
	conn, err := r.pool.Get(r.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetwork, r.address, err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		conn.Discard()
		return nil, fmt.Errorf("%w: write: %v", ErrNetwork, err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		conn.Discard()
		return nil, fmt.Errorf("%w: read: %v", ErrNetwork, err)
	}
	conn.Close()

	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	if resp.Status != wireStatusOK {
		return nil, conditionByName(resp.Error)
	}
	return &resp, nil
}

func (r *RemoteExecutor) Get(ctx context.Context, loc Location, opts GetOptions, cb GetCallback) {
	go func() {
		resp, err := r.roundTrip(&wireRequest{Op: "get", Location: loc, AccessDeleted: opts.AccessDeleted})
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&GetResult{
			Location: loc,
			Value:    resp.Value,
			Meta:     resp.Meta,
			Cas:      resp.Cas,
			Deleted:  resp.Deleted,
		}, nil)
	}()
}

func (r *RemoteExecutor) Insert(ctx context.Context, loc Location, value json.RawMessage, opts MutateOptions, cb MutateCallback) {
	go func() {
		resp, err := r.roundTrip(&wireRequest{
			Op: "insert", Location: loc, Value: value,
			Meta: opts.Meta, Deleted: opts.Deleted, AccessDeleted: opts.AccessDeleted,
			Durability: opts.Durability,
		})
		if err != nil {
			cb(0, err)
			return
		}
		cb(resp.Cas, nil)
	}()
}

func (r *RemoteExecutor) Replace(ctx context.Context, loc Location, value json.RawMessage, opts MutateOptions, cb MutateCallback) {
	go func() {
		resp, err := r.roundTrip(&wireRequest{
			Op: "replace", Location: loc, Value: value, Cas: opts.Cas,
			Meta: opts.Meta, Deleted: opts.Deleted, AccessDeleted: opts.AccessDeleted,
			Durability: opts.Durability,
		})
		if err != nil {
			cb(0, err)
			return
		}
		cb(resp.Cas, nil)
	}()
}

func (r *RemoteExecutor) Remove(ctx context.Context, loc Location, opts MutateOptions, cb RemoveCallback) {
	go func() {
		_, err := r.roundTrip(&wireRequest{
			Op: "remove", Location: loc, Cas: opts.Cas,
			AccessDeleted: opts.AccessDeleted, Durability: opts.Durability,
		})
		cb(err)
	}()
}

func (r *RemoteExecutor) Query(ctx context.Context, statement string, opts QueryOptions, cb QueryCallback) {
	go func() {
		resp, err := r.roundTrip(&wireRequest{Op: "query", Statement: statement, Query: &opts})
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&QueryResult{Rows: resp.Rows, Meta: resp.Meta}, nil)
	}()
}

// Server bridges the wire protocol back onto a local Executor. It exists
// so the remote path can be exercised end to end in-process; a real node
// embeds the same loop.
type Server struct {
	backend Executor
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewServer serves the wire protocol on ln, answering with backend.
func NewServer(ln net.Listener, backend Executor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend:  backend,
		logger:   logger.With(zap.String("component", "kv_server")),
		listener: ln,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Close stops accepting and waits for in-flight connections to drain.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	reader := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("bad request", zap.Error(err))
			return
		}
		resp := s.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *wireRequest) *wireResponse {
	done := make(chan *wireResponse, 1)
	fail := func(err error) {
		done <- &wireResponse{Status: wireStatusError, Error: conditionName(err)}
	}
	switch req.Op {
	case "get":
		s.backend.Get(context.Background(), req.Location, GetOptions{AccessDeleted: req.AccessDeleted}, func(res *GetResult, err error) {
			if err != nil {
				fail(err)
				return
			}
			done <- &wireResponse{Status: wireStatusOK, Value: res.Value, Meta: res.Meta, Cas: res.Cas, Deleted: res.Deleted}
		})
	case "insert":
		s.backend.Insert(context.Background(), req.Location, req.Value, s.mutateOpts(req), func(cas Cas, err error) {
			if err != nil {
				fail(err)
				return
			}
			done <- &wireResponse{Status: wireStatusOK, Cas: cas}
		})
	case "replace":
		s.backend.Replace(context.Background(), req.Location, req.Value, s.mutateOpts(req), func(cas Cas, err error) {
			if err != nil {
				fail(err)
				return
			}
			done <- &wireResponse{Status: wireStatusOK, Cas: cas}
		})
	case "remove":
		s.backend.Remove(context.Background(), req.Location, s.mutateOpts(req), func(err error) {
			if err != nil {
				fail(err)
				return
			}
			done <- &wireResponse{Status: wireStatusOK}
		})
	case "query":
		var opts QueryOptions
		if req.Query != nil {
			opts = *req.Query
		}
		s.backend.Query(context.Background(), req.Statement, opts, func(res *QueryResult, err error) {
			if err != nil {
				fail(err)
				return
			}
			done <- &wireResponse{Status: wireStatusOK, Rows: res.Rows, Meta: res.Meta}
		})
	default:
		return &wireResponse{Status: wireStatusError, Error: "path_not_found"}
	}
	return <-done
}

func (s *Server) mutateOpts(req *wireRequest) MutateOptions {
	return MutateOptions{
		Cas:           req.Cas,
		Meta:          req.Meta,
		Deleted:       req.Deleted,
		AccessDeleted: req.AccessDeleted,
		Durability:    req.Durability,
	}
}
