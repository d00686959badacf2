package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

const maxLineBytes = 64 * 1024

// Sink 摄入入口
type Sink interface {
	IngestLine(ctx context.Context, line string)
	Ingest(ctx context.Context, fix *models.PositionFix) (*models.PositionFix, error)
}

// TCPServer 厂商报文 TCP 监听，每个连接一个协程，按行摄入
type TCPServer struct {
	addr   string
	sink   Sink
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewTCPServer 创建 TCP 监听
func NewTCPServer(addr string, sink Sink, logger *zap.Logger) *TCPServer {
	return &TCPServer{
		addr:   addr,
		sink:   sink,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start 开始监听并在后台接受连接
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("TCP tracker listener started", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr 实际监听地址
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop 关闭监听与所有连接，等待连接协程退出
func (s *TCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("TCP tracker listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Tracker connected", zap.String("remote", remote))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.sink.IngestLine(ctx, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Tracker connection closed with error", zap.String("remote", remote), zap.Error(err))
		return
	}
	s.logger.Debug("Tracker disconnected", zap.String("remote", remote))
}
