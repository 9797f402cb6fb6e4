// Package server owns the broker's Unix socket endpoint: bind with
// owner-only permissions, authorize peers by socket credential, and run the
// newline-framed JSON-RPC loop per connection.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/dispatch"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/metrics"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// Server accepts connections and feeds requests to the dispatch registry.
type Server struct {
	cfg      config.ServerConfig
	registry *dispatch.Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

// New creates the socket server.
func New(cfg config.ServerConfig, registry *dispatch.Registry, m *metrics.Metrics, logger *logging.Logger) *Server {
	return &Server{cfg: cfg, registry: registry, metrics: m, logger: logger}
}

// ListenAndServe binds the socket and serves until ctx is cancelled.
// Bind failures are fatal; per-connection errors never stop the server.
func (s *Server) ListenAndServe(ctx context.Context) error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// A stale socket from a crashed run blocks bind; unlink it.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.logger.Info(ctx, "socket server listening", zap.String("path", path))

	// Cancellation closes the listener, which unblocks Accept.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn(ctx, "accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	s.wg.Wait()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn(ctx, "failed to unlink socket", zap.Error(err))
	}
	s.logger.Info(ctx, "socket server stopped")
	return nil
}

// serveConn authorizes the peer and runs the request loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if uconn, ok := conn.(*net.UnixConn); ok {
		uid, err := peerUID(uconn)
		if err != nil {
			s.logger.Warn(ctx, "failed to read peer credentials", zap.Error(err))
			return
		}
		if uid != os.Getuid() {
			s.logger.Warn(ctx, "rejecting connection from foreign uid", zap.Int("uid", uid))
			return
		}
	}

	connID := uuid.New().String()[:8]
	connCtx := logging.WithConnID(ctx, connID)
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()
	s.logger.Debug(connCtx, "connection opened")

	reader := bufio.NewReaderSize(conn, 64*1024)
	writer := bufio.NewWriter(conn)

	for {
		line, tooLong, err := readLine(reader, s.cfg.MaxLineBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn(connCtx, "connection read error", zap.Error(err))
			}
			s.logger.Debug(connCtx, "connection closed")
			return
		}
		if tooLong {
			s.writeResponse(connCtx, writer, mustMarshal(protocol.NewErrorResponse(nil,
				protocol.NewError(protocol.CodeParseError, "request line exceeds size limit"))))
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if out := s.handleLine(connCtx, line); out != nil {
			s.writeResponse(connCtx, writer, out)
		}
	}
}

// handleLine processes one frame and returns the serialized response line,
// or nil when the frame was all notifications.
func (s *Server) handleLine(ctx context.Context, line []byte) []byte {
	frame, perr := protocol.ParseFrame(line)
	if perr != nil {
		return mustMarshal(protocol.NewErrorResponse(nil, perr))
	}

	if !frame.Batch {
		req := &frame.Requests[0]
		resp := s.registry.Dispatch(s.requestCtx(ctx), req)
		if resp == nil {
			return nil
		}
		return mustMarshal(resp)
	}

	// Batches run serially in array order; the response array preserves
	// request order with notifications occupying no slot.
	responses := make([]*protocol.Response, 0, len(frame.Requests))
	for i := range frame.Requests {
		if resp := s.registry.Dispatch(s.requestCtx(ctx), &frame.Requests[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	return mustMarshal(responses)
}

func (s *Server) requestCtx(ctx context.Context) context.Context {
	return logging.WithRequestID(ctx, uuid.New().String()[:8])
}

func (s *Server) writeResponse(ctx context.Context, writer *bufio.Writer, payload []byte) {
	if _, err := writer.Write(append(payload, '\n')); err != nil {
		s.logger.Warn(ctx, "connection write error", zap.Error(err))
		return
	}
	if err := writer.Flush(); err != nil {
		s.logger.Warn(ctx, "connection flush error", zap.Error(err))
	}
}

// readLine reads one newline-terminated line. Lines beyond limit are
// consumed and reported tooLong so the connection survives.
func readLine(reader *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		if err == nil || errors.Is(err, io.EOF) {
			buf = append(buf, chunk...)
			if len(buf) == 0 && errors.Is(err, io.EOF) {
				return nil, false, io.EOF
			}
			if len(buf) > limit {
				return nil, true, nil
			}
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) == 0 {
				return nil, false, io.EOF
			}
			return bytes.TrimRight(buf, "\n"), false, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			buf = append(buf, chunk...)
			if len(buf) > limit {
				// Drain the oversized line before reporting it.
				if derr := drainLine(reader); derr != nil {
					return nil, false, derr
				}
				return nil, true, nil
			}
			continue
		}
		return nil, false, err
	}
}

func drainLine(reader *bufio.Reader) error {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Responses are built from marshal-safe types; reaching this is a bug.
		panic(err)
	}
	return data
}
