package hl7

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Handler processes one decoded MLLP payload and returns the acknowledgment
// to send back, or nil when no acknowledgment could be produced.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte, remoteAddr string) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte, remoteAddr string) []byte

func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte, remoteAddr string) []byte {
	return f(ctx, payload, remoteAddr)
}

type MLLPServer struct {
	port        int
	handler     Handler
	readTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	conns    map[net.Conn]struct{}
	gate     func() bool
	// wg tracks the handlers of the current Start generation only.
	wg *sync.WaitGroup
}

func NewMLLPServer(port int, handler Handler) *MLLPServer {
	return &MLLPServer{
		port:        port,
		handler:     handler,
		readTimeout: 30 * time.Second,
		conns:       make(map[net.Conn]struct{}),
	}
}

// SetAcceptGate installs a check run for every accepted connection; when it
// returns false the connection is closed immediately.
func (s *MLLPServer) SetAcceptGate(gate func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// Start opens the listening socket. Calling Start on a running server is a no-op.
func (s *MLLPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port dinlenemedi %s: %w", addr, err)
	}
	s.listener = listener
	s.stopCh = make(chan struct{})
	s.wg = &sync.WaitGroup{}

	slog.Info("HL7 MLLP sunucu başlatıldı",
		"port", s.port,
		"address", listener.Addr().String())

	go s.acceptConnections(ctx, listener, s.stopCh, s.wg)
	go func(stopCh chan struct{}) {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}(s.stopCh)

	return nil
}

// Running reports whether the server is accepting connections.
func (s *MLLPServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Addr returns the listening address, or nil when stopped.
func (s *MLLPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *MLLPServer) acceptConnections(ctx context.Context, listener net.Listener, stopCh chan struct{}, wg *sync.WaitGroup) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Bağlantı kabul hatası", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		gate := s.gate
		if s.listener != listener || (gate != nil && !gate()) {
			s.mu.Unlock()
			slog.Warn("Bağlantı reddedildi: alım durduruldu", "remoteAddr", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn, wg)
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn, wg *sync.WaitGroup) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		wg.Done()
	}()

	remoteAddr := conn.RemoteAddr().String()
	slog.Info("Yeni HL7 bağlantısı", "remoteAddr", remoteAddr)

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read timeout
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		message, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("Bağlantı kapatıldı", "remoteAddr", remoteAddr)
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Mesaj okuma hatası", "error", err, "remoteAddr", remoteAddr)
			return
		}

		ack := s.handler.HandleMessage(ctx, message, remoteAddr)
		if ack == nil {
			slog.Error("ACK üretilemedi, göndericiye yanıt verilmedi", "remoteAddr", remoteAddr)
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
		if _, err := conn.Write(WrapMLLP(ack)); err != nil {
			slog.Error("ACK gönderme hatası", "error", err, "remoteAddr", remoteAddr)
			return
		}
	}
}

// Stop closes the listening socket and every open connection, then waits for
// the connection handlers to return. New connections are refused afterwards.
func (s *MLLPServer) Stop() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}

	err := s.listener.Close()
	s.listener = nil
	close(s.stopCh)
	for conn := range s.conns {
		conn.Close()
	}
	wg := s.wg
	s.mu.Unlock()

	wg.Wait()
	slog.Info("HL7 MLLP sunucu durduruldu", "port", s.port)
	return err
}
