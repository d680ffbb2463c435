// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package meet

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/emiago/meet/wire"
)

// NetworkStats is one sample of the per-second network report.
type NetworkStats struct {
	LossPct     float64
	JitterMs    float64
	RTTMs       float64
	RecvFPS     float64
	SendFPS     float64
	BitrateKbps float64
	Quality     wire.Quality
}

// qualityHold is the minimum time between adaptive tier switches, so a
// borderline link does not flap between profiles every tick.
const qualityHold = 3 * time.Second

// history is a bounded float series for the stats dashboards.
type history struct {
	mu   sync.Mutex
	vals []float64
}

func (h *history) push(v float64) {
	h.mu.Lock()
	if len(h.vals) == wire.StatsHistorySize {
		copy(h.vals, h.vals[1:])
		h.vals = h.vals[:wire.StatsHistorySize-1]
	}
	h.vals = append(h.vals, v)
	h.mu.Unlock()
}

func (h *history) snapshot() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.vals...)
}

// statsLoop ticks once per second while in a meeting: sends a heartbeat,
// samples the media engines, adapts the send quality and publishes the
// report as telemetry and as an event.
type statsLoop struct {
	s   *Session
	log *slog.Logger

	rttMu sync.Mutex
	rttMs float64

	lossHist    history
	rttHist     history
	bitrateHist history
	fpsHist     history

	lastBytes   uint64
	lastFrames  uint64
	lastSample  time.Time
	lastSwitch  time.Time
	lastRecvCum uint64
	lastLostCum uint64

	stop chan struct{}
	done chan struct{}
}

func newStatsLoop(s *Session) *statsLoop {
	return &statsLoop{
		s:    s,
		log:  s.log.With("component", "stats"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// noteHeartbeatAck records the RTT from an echoed heartbeat timestamp
// (seconds since epoch, as sent).
func (sl *statsLoop) noteHeartbeatAck(sentUnix float64) {
	rtt := float64(time.Now().UnixNano())/1e9 - sentUnix
	if rtt < 0 {
		return
	}
	sl.rttMu.Lock()
	sl.rttMs = rtt * 1000
	sl.rttMu.Unlock()
}

func (sl *statsLoop) lastRTTMs() float64 {
	sl.rttMu.Lock()
	defer sl.rttMu.Unlock()
	return sl.rttMs
}

func (sl *statsLoop) run() {
	defer close(sl.done)
	ticker := time.NewTicker(wire.StatsInterval)
	defer ticker.Stop()
	sl.lastSample = time.Now()

	for {
		select {
		case <-sl.stop:
			return
		case <-ticker.C:
		}

		// Heartbeat first; its ACK feeds the next tick's RTT.
		sl.s.sendMsg(&wire.Message{
			Type:      wire.MsgHeartbeat,
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
		})

		stats := sl.sample()
		sl.adapt(stats)

		sl.s.sendMsg(&wire.Message{
			Type:    wire.MsgVideoStats,
			Loss:    stats.LossPct,
			RTT:     stats.RTTMs,
			FPSRecv: stats.RecvFPS,
			Bitrate: stats.BitrateKbps,
		})
		sl.s.emit(EventStats{Stats: stats})
	}
}

// sample collects one NetworkStats from the media engines. Loss is the
// delta over the tick, clamped to 0..100.
func (sl *statsLoop) sample() NetworkStats {
	now := time.Now()
	elapsed := now.Sub(sl.lastSample).Seconds()
	sl.lastSample = now

	var out NetworkStats
	out.RTTMs = sl.lastRTTMs()

	vr, vs := sl.s.engines()
	if vr != nil {
		flow := vr.Stats()
		out.JitterMs = flow.JitterMs
		out.RecvFPS = flow.FPS

		dRecv := flow.Received - sl.lastRecvCum
		dLost := flow.Lost - sl.lastLostCum
		sl.lastRecvCum = flow.Received
		sl.lastLostCum = flow.Lost
		if total := dRecv + dLost; total > 0 {
			out.LossPct = math.Min(100, math.Max(0, float64(dLost)/float64(total)*100))
		}
	}

	if vs != nil {
		bytes := vs.BytesSent()
		frames := vs.FramesSent()
		if elapsed > 0 {
			out.BitrateKbps = float64(bytes-sl.lastBytes) * 8 / 1000 / elapsed
			out.SendFPS = float64(frames-sl.lastFrames) / elapsed
		}
		sl.lastBytes = bytes
		sl.lastFrames = frames
		out.Quality = vs.Quality()
	}

	sl.lossHist.push(out.LossPct)
	sl.rttHist.push(out.RTTMs)
	sl.bitrateHist.push(out.BitrateKbps)
	sl.fpsHist.push(out.RecvFPS)
	return out
}

// adapt reprograms the video sender when the network calls for a
// different tier, at most once per hold period.
func (sl *statsLoop) adapt(stats NetworkStats) {
	_, vs := sl.s.engines()
	if vs == nil {
		return
	}
	want := wire.QualityForNetwork(stats.LossPct, stats.RTTMs)
	current := vs.Quality()
	if want == current || time.Since(sl.lastSwitch) < qualityHold {
		return
	}
	sl.lastSwitch = time.Now()
	vs.SetQuality(want)
	sl.log.Info("video quality switched", "from", current.String(), "to", want.String(),
		"loss", stats.LossPct, "rtt_ms", stats.RTTMs)
	sl.s.emit(EventQualityChanged{From: current, To: want})
}

// Histories for plotting: loss %, RTT ms, bitrate kbps, received FPS.
func (sl *statsLoop) histories() (loss, rtt, bitrate, fps []float64) {
	return sl.lossHist.snapshot(), sl.rttHist.snapshot(), sl.bitrateHist.snapshot(), sl.fpsHist.snapshot()
}

func (sl *statsLoop) shutdown() {
	close(sl.stop)
	<-sl.done
}
