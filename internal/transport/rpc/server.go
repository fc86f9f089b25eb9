// Package rpc exposes event ingestion over JSON-RPC for internal senders
// such as sidecars that already hold a project key.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/service"
)

// Server accepts JSON-RPC connections.
type Server struct {
	ctx       context.Context
	rpcServer *rpc.Server
	done      chan struct{}

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a new RPC server bound to the ingestion service. ctx
// carries the logger and bounds the processing of accepted batches.
func NewServer(ctx context.Context, svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{ctx: ctx, service: svc}
	if err := rpcServer.RegisterName("Ingestor", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		ctx:       ctx,
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until Shutdown. A listener handed
// over after Shutdown is closed right away.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()
	return s.accept(ln)
}

// accept serves connections on ln until Shutdown closes it.
func (s *Server) accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			clog.FromContext(s.ctx).Warn("rpc accept error", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Ingestor RPC methods.
type Handler struct {
	ctx     context.Context
	service *service.Service
}

// IngestArgs is a batch of native events for one project.
type IngestArgs struct {
	ProjectKey string           `json:"projectKey"`
	Events     []map[string]any `json:"events"`
}

// IngestReply lists one result per submitted event.
type IngestReply struct {
	Results []domain.Result `json:"results"`
}

// Ingest records a batch of run events.
func (h *Handler) Ingest(req *IngestArgs, resp *IngestReply) error {
	if req == nil {
		return errors.New("ingest request is required")
	}

	project, err := h.service.ResolveProject(h.ctx, req.ProjectKey)
	if err != nil {
		return err
	}

	results := h.service.ProcessRaw(h.ctx, service.SourceRPC, project.ID, req.Events)
	if resp != nil {
		resp.Results = results
	}
	return nil
}
