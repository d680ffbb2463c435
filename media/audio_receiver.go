// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/meet/wire"
)

// playbackQueueDepth bounds buffered chunks between network and speaker.
// At 64 ms per chunk that is 3.2 s of audio; overflow drops the newest
// chunk to keep latency bounded.
const playbackQueueDepth = 50

// PCMWriter receives a copy of every played-back PCM chunk, for call
// recording.
type PCMWriter interface {
	WritePCM(pcm []byte) error
}

// AudioReceiver binds a UDP socket, queues received PCM chunks and feeds
// them to the sink from a separate playback loop. When the queue runs dry
// the sink gets silence, so playback cadence never stalls.
type AudioReceiver struct {
	conn *net.UDPConn
	sink AudioSink // optional
	log  *slog.Logger

	mu      sync.Mutex
	sources map[string]*flowState

	recMu    sync.Mutex
	recorder PCMWriter

	queue chan []byte
	done  chan struct{}

	playOnce    sync.Once
	playStarted atomic.Bool
	playStop    chan struct{}
	playDone    chan struct{}
}

func NewAudioReceiver(sink AudioSink, logger *slog.Logger) (*AudioReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("audio receiver bind: %w", err)
	}
	return &AudioReceiver{
		conn:     conn,
		sink:     sink,
		log:      logger.With("component", "audio_receiver"),
		sources:  map[string]*flowState{},
		queue:    make(chan []byte, playbackQueueDepth),
		done:     make(chan struct{}),
		playStop: make(chan struct{}),
		playDone: make(chan struct{}),
	}, nil
}

// Port is the OS-assigned local port, registered via REGISTER_UDP.
func (r *AudioReceiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Conn exposes the receive socket so the audio sender can share it.
func (r *AudioReceiver) Conn() *net.UDPConn { return r.conn }

// SetRecorder tees received PCM into w. Pass nil to stop recording.
func (r *AudioReceiver) SetRecorder(w PCMWriter) {
	r.recMu.Lock()
	r.recorder = w
	r.recMu.Unlock()
}

// Run reads datagrams until the socket closes.
func (r *AudioReceiver) Run() {
	defer close(r.done)
	buf := make([]byte, recvBufSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Error("audio receive loop ending", "error", err)
			}
			return
		}
		r.processDatagram(src.String(), buf[:n], time.Now())
	}
}

func (r *AudioReceiver) processDatagram(src string, data []byte, now time.Time) {
	hdr, err := wire.UnpackAudioHeader(data)
	if err != nil || int(hdr.PayloadSize) != len(data)-wire.AudioHeaderSize {
		r.log.Debug("dropping malformed audio datagram", "src", src, "len", len(data))
		return
	}

	r.mu.Lock()
	flow, ok := r.sources[src]
	if !ok {
		flow = &flowState{}
		r.sources[src] = flow
	}
	flow.observe(hdr.AudioID, now)
	r.mu.Unlock()

	pcm := make([]byte, len(data)-wire.AudioHeaderSize)
	copy(pcm, data[wire.AudioHeaderSize:])

	select {
	case r.queue <- pcm:
	default:
		r.log.Debug("playback queue full, dropping chunk", "src", src)
	}
}

// Playback feeds the sink until StopPlayback. Missing chunks become
// silence so the speaker keeps its cadence; the sink paces the loop by
// blocking for one chunk duration per Play.
func (r *AudioReceiver) Playback() {
	r.playStarted.Store(true)
	defer close(r.playDone)
	silence := make([]byte, wire.AudioChunkBytes)
	for {
		select {
		case <-r.playStop:
			return
		default:
		}

		var pcm []byte
		select {
		case pcm = <-r.queue:
		case <-time.After(wire.AudioChunkDuration):
			pcm = silence
		case <-r.playStop:
			return
		}

		r.recMu.Lock()
		rec := r.recorder
		r.recMu.Unlock()
		if rec != nil {
			if err := rec.WritePCM(pcm); err != nil {
				r.log.Debug("recording write failed", "error", err)
			}
		}

		if r.sink != nil {
			if err := r.sink.Play(pcm); err != nil {
				r.log.Debug("playback failed", "error", err)
			}
		}
	}
}

// SourceStats snapshots per-source accounting.
func (r *AudioReceiver) SourceStats() map[string]FlowStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]FlowStats, len(r.sources))
	for src, f := range r.sources {
		out[src] = f.snapshot()
	}
	return out
}

// Stats aggregates all sources.
func (r *AudioReceiver) Stats() FlowStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return aggregate(r.sources)
}

// Close shuts the socket and stops both loops.
func (r *AudioReceiver) Close() {
	r.conn.Close()
	<-r.done
	r.playOnce.Do(func() { close(r.playStop) })
	if r.playStarted.Load() {
		<-r.playDone
	}
}
