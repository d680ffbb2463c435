// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/meet/wire"
)

// recvBufSize must hold the largest media datagram.
const recvBufSize = 65535

// VideoReceiver binds a UDP socket, demultiplexes incoming video
// datagrams by source address and keeps per-source loss/jitter/FPS
// accounting plus the latest decoded frame. With a nil decoder the raw
// JPEG payload is stored undecoded, for headless clients that only need
// the accounting.
type VideoReceiver struct {
	conn    *net.UDPConn
	decoder VideoDecoder
	sink    FrameSink // optional
	log     *slog.Logger

	mu      sync.Mutex
	sources map[string]*flowState

	framesMu sync.Mutex
	frames   map[string]Frame

	done chan struct{}
}

func NewVideoReceiver(decoder VideoDecoder, sink FrameSink, logger *slog.Logger) (*VideoReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("video receiver bind: %w", err)
	}
	return &VideoReceiver{
		conn:    conn,
		decoder: decoder,
		sink:    sink,
		log:     logger.With("component", "video_receiver"),
		sources: map[string]*flowState{},
		frames:  map[string]Frame{},
		done:    make(chan struct{}),
	}, nil
}

// Port is the OS-assigned local port, registered with the server via
// REGISTER_UDP.
func (r *VideoReceiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Conn exposes the receive socket so the video sender can share it.
func (r *VideoReceiver) Conn() *net.UDPConn { return r.conn }

// Run reads datagrams until the socket closes. Malformed datagrams and
// failed decodes are dropped without touching the frame store.
func (r *VideoReceiver) Run() {
	defer close(r.done)
	buf := make([]byte, recvBufSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Error("video receive loop ending", "error", err)
			}
			return
		}
		r.processDatagram(src.String(), buf[:n], time.Now())
	}
}

func (r *VideoReceiver) processDatagram(src string, data []byte, now time.Time) {
	hdr, err := wire.UnpackVideoHeader(data)
	if err != nil || int(hdr.PayloadSize) != len(data)-wire.VideoHeaderSize {
		r.log.Debug("dropping malformed video datagram", "src", src, "len", len(data))
		return
	}

	r.mu.Lock()
	flow, ok := r.sources[src]
	if !ok {
		flow = &flowState{}
		r.sources[src] = flow
	}
	flow.observe(hdr.SequenceNum, now)
	r.mu.Unlock()

	var frame Frame
	if r.decoder != nil {
		var err error
		frame, err = r.decoder.Decode(data[wire.VideoHeaderSize:], int(hdr.Width), int(hdr.Height))
		if err != nil {
			r.log.Debug("frame decode failed", "src", src, "error", err)
			return
		}
	} else {
		payload := make([]byte, len(data)-wire.VideoHeaderSize)
		copy(payload, data[wire.VideoHeaderSize:])
		frame = Frame{Data: payload, Width: int(hdr.Width), Height: int(hdr.Height)}
	}
	frame.Timestamp = now

	r.framesMu.Lock()
	r.frames[src] = frame
	r.framesMu.Unlock()

	if r.sink != nil {
		r.sink.Display(src, frame)
	}
}

// LatestFrame returns the most recent decoded frame from src.
func (r *VideoReceiver) LatestFrame(src string) (Frame, bool) {
	r.framesMu.Lock()
	defer r.framesMu.Unlock()
	f, ok := r.frames[src]
	return f, ok
}

// SourceStats snapshots per-source accounting.
func (r *VideoReceiver) SourceStats() map[string]FlowStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]FlowStats, len(r.sources))
	for src, f := range r.sources {
		out[src] = f.snapshot()
	}
	return out
}

// Stats aggregates all sources for the adaptation loop.
func (r *VideoReceiver) Stats() FlowStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return aggregate(r.sources)
}

// Close shuts the socket, which unblocks Run, and waits for it.
func (r *VideoReceiver) Close() {
	r.conn.Close()
	<-r.done
}
