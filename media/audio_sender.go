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

// AudioSenderConfig wires a PCM source to the relay. Conn should be the
// audio receiver's socket so the relay identifies the sender exactly.
type AudioSenderConfig struct {
	Source AudioSource

	Conn      net.PacketConn
	RelayAddr net.Addr

	// DropRate in [0,1] simulates sender-side packet loss.
	DropRate float64

	Logger *slog.Logger
}

// AudioSender ships fixed 1024-sample PCM chunks, one datagram each.
// While muted it captures nothing and sleeps one chunk period per
// iteration so unmuting resumes in phase.
type AudioSender struct {
	cfg AudioSenderConfig
	log *slog.Logger

	muted   atomic.Bool
	audioID uint32

	chunksSent atomic.Uint64
	bytesSent  atomic.Uint64
	simDropped atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewAudioSender(cfg AudioSenderConfig) (*AudioSender, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("audio sender needs a source")
	}
	if cfg.Conn == nil || cfg.RelayAddr == nil {
		return nil, fmt.Errorf("audio sender needs a socket and relay address")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AudioSender{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "audio_sender"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

func (s *AudioSender) SetMuted(muted bool) { s.muted.Store(muted) }
func (s *AudioSender) Muted() bool         { return s.muted.Load() }

func (s *AudioSender) ChunksSent() uint64 { return s.chunksSent.Load() }
func (s *AudioSender) BytesSent() uint64  { return s.bytesSent.Load() }

// Run captures and sends one chunk per tick until Stop.
func (s *AudioSender) Run() {
	defer close(s.done)
	ticker := time.NewTicker(wire.AudioChunkDuration)
	defer ticker.Stop()

	buf := make([]byte, wire.AudioChunkBytes)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if s.muted.Load() {
			continue
		}
		if err := s.sendOne(buf); err != nil {
			s.log.Error("audio send loop ending", "error", err)
			return
		}
	}
}

func (s *AudioSender) sendOne(buf []byte) error {
	if err := s.cfg.Source.ReadChunk(buf); err != nil {
		s.log.Debug("audio capture failed", "error", err)
		return nil
	}

	hdr := wire.AudioHeader{
		AudioID:     s.audioID,
		Timestamp:   uint64(time.Now().UnixMicro()),
		SampleRate:  wire.AudioSampleRate,
		Channels:    wire.AudioChannels,
		PayloadSize: int32(len(buf)),
	}
	s.audioID++

	pkt := append(wire.PackAudioHeader(hdr), buf...)
	s.chunksSent.Add(1)
	s.bytesSent.Add(uint64(len(pkt)))

	if s.cfg.DropRate > 0 && rand.Float64() < s.cfg.DropRate {
		s.simDropped.Add(1)
		return nil
	}
	if _, err := s.cfg.Conn.WriteTo(pkt, s.cfg.RelayAddr); err != nil {
		return fmt.Errorf("audio datagram write: %w", err)
	}
	return nil
}

func (s *AudioSender) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
