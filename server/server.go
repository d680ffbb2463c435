// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/meet/wire"
)

// Config holds the server's network knobs.
type Config struct {
	Host    string
	TCPPort int
	UDPPort int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.TCPPort == 0 {
		c.TCPPort = wire.DefaultTCPPort
	}
	if c.UDPPort == 0 {
		c.UDPPort = wire.DefaultUDPPort
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server bundles the control plane and media relay behind one lifecycle:
// a TCP acceptor spawning one control goroutine per client, and the UDP
// relay loop.
type Server struct {
	cfg Config
	log *slog.Logger

	reg     *Registry
	control *Control
	relay   *Relay

	mu      sync.Mutex
	ln      net.Listener
	udpConn *net.UDPConn
	closing bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Server {
	cfg.applyDefaults()
	reg := NewRegistry()
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "server"),
		reg:     reg,
		control: NewControl(reg, cfg.Logger),
	}
}

// Registry exposes the meeting registry, mainly for tests and diagnostics.
func (s *Server) Registry() *Registry { return s.reg }

// Start binds both sockets and launches the accept and relay loops.
// A port of 0 binds an ephemeral port; see TCPAddr/UDPAddr.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server already started")
	}

	tcpAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.TCPPort)
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", tcpAddr, err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.ParseIP(s.cfg.Host),
		Port: s.cfg.UDPPort,
	})
	if err != nil {
		ln.Close()
		return fmt.Errorf("udp listen %s:%d: %w", s.cfg.Host, s.cfg.UDPPort, err)
	}

	s.ln = ln
	s.udpConn = udpConn
	s.relay = NewRelay(s.reg, udpConn, s.cfg.Logger)

	s.log.Info("control plane listening", "addr", ln.Addr().String())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		if err := s.relay.Serve(); err != nil {
			s.log.Error("relay loop ended", "error", err)
		}
	}()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.control.HandleConn(conn)
		}()
	}
}

// Stop closes both sockets and waits for the loops to exit. Connected
// clients observe a socket close.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln == nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	ln, udpConn := s.ln, s.udpConn
	s.mu.Unlock()

	ln.Close()
	udpConn.Close()
	s.control.closeAll()
	s.wg.Wait()
	s.log.Info("server stopped")
}

// TCPAddr returns the bound control address (actual port when 0 was
// configured).
func (s *Server) TCPAddr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr().(*net.TCPAddr)
}

// UDPAddr returns the bound relay address.
func (s *Server) UDPAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr().(*net.UDPAddr)
}
