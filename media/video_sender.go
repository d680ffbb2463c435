// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/meet/wire"
)

// VideoSenderConfig wires a capture source and encoder to the relay.
// Conn is the socket datagrams leave from; sharing it with the video
// receiver keeps the relay's sender identification exact.
type VideoSenderConfig struct {
	Source  FrameSource
	Encoder VideoEncoder
	Preview FrameSink // optional local preview of captured frames

	Conn      net.PacketConn
	RelayAddr net.Addr

	Quality wire.Quality
	// DropRate in [0,1] simulates sender-side packet loss: the datagram is
	// built and counted, then discarded before the socket write.
	DropRate float64

	Logger *slog.Logger
}

// VideoSender paces capture → encode → packetize → send at the active
// quality tier's frame rate. frame_id and sequence_num wrap mod 2^32.
type VideoSender struct {
	cfg VideoSenderConfig
	log *slog.Logger

	mu      sync.Mutex
	quality wire.Quality
	paused  atomic.Bool

	frameID uint32
	seq     uint32

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	simDropped atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewVideoSender(cfg VideoSenderConfig) (*VideoSender, error) {
	if cfg.Source == nil || cfg.Encoder == nil {
		return nil, fmt.Errorf("video sender needs a source and an encoder")
	}
	if cfg.Conn == nil || cfg.RelayAddr == nil {
		return nil, fmt.Errorf("video sender needs a socket and relay address")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &VideoSender{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "video_sender"),
		quality: cfg.Quality,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// SetQuality switches the tier; the next loop iteration picks up the new
// resolution and pacing.
func (s *VideoSender) SetQuality(q wire.Quality) {
	s.mu.Lock()
	s.quality = q
	s.mu.Unlock()
}

func (s *VideoSender) Quality() wire.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// SetPaused gates the capture loop, for the camera-off toggle. A paused
// sender keeps pacing but captures and sends nothing.
func (s *VideoSender) SetPaused(paused bool) { s.paused.Store(paused) }
func (s *VideoSender) Paused() bool          { return s.paused.Load() }

// FramesSent and BytesSent are monotonic; the stats loop computes rates
// from deltas.
func (s *VideoSender) FramesSent() uint64 { return s.framesSent.Load() }
func (s *VideoSender) BytesSent() uint64  { return s.bytesSent.Load() }

// Run captures and sends frames until Stop. Per-frame failures are logged
// and skipped; a socket failure ends the loop.
func (s *VideoSender) Run() {
	defer close(s.done)
	timer := time.NewTimer(s.Quality().FrameInterval())
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}
		timer.Reset(s.Quality().FrameInterval())

		if s.paused.Load() {
			continue
		}
		if err := s.sendOne(); err != nil {
			s.log.Error("video send loop ending", "error", err)
			return
		}
	}
}

func (s *VideoSender) sendOne() error {
	frame, err := s.cfg.Source.Capture()
	if err != nil {
		s.log.Debug("capture failed", "error", err)
		return nil
	}
	if s.cfg.Preview != nil {
		s.cfg.Preview.Display("self", frame)
	}

	prof := s.Quality().Profile()
	encoded, err := s.cfg.Encoder.Encode(frame, prof.Width, prof.Height, prof.JPEGQuality)
	if err != nil {
		s.log.Debug("encode failed", "error", err)
		return nil
	}

	hdr := wire.VideoHeader{
		FrameID:     s.frameID,
		Timestamp:   uint64(time.Now().UnixMicro()),
		SequenceNum: s.seq,
		Width:       uint16(prof.Width),
		Height:      uint16(prof.Height),
		PayloadSize: int32(len(encoded.Data)),
	}
	s.frameID++
	s.seq++

	pkt := append(wire.PackVideoHeader(hdr), encoded.Data...)
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(pkt)))

	if s.cfg.DropRate > 0 && rand.Float64() < s.cfg.DropRate {
		s.simDropped.Add(1)
		return nil
	}
	if _, err := s.cfg.Conn.WriteTo(pkt, s.cfg.RelayAddr); err != nil {
		return fmt.Errorf("video datagram write: %w", err)
	}
	return nil
}

// Stop ends the loop and waits for it to drain.
func (s *VideoSender) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
