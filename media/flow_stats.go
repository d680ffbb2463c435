// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"math"
	"time"

	"github.com/emiago/meet/wire"
)

// historyDepth bounds the arrival and frame-time deques per source.
const historyDepth = 100

// FlowStats is a point-in-time view of one media flow (or an aggregate
// over all flows of a receiver).
type FlowStats struct {
	Received uint64
	Lost     uint64
	LossPct  float64
	JitterMs float64
	FPS      float64
}

// flowState tracks sequence continuity and timing of a single sender as
// seen by a receiver. Not goroutine safe; the owning receiver locks.
type flowState struct {
	lastSeq  uint32
	seenAny  bool
	received uint64
	lost     uint64

	arrivals   []time.Time
	frameTimes []time.Time
}

// observe accounts one datagram with sequence seq arriving at now.
// A forward gap d (mod 2^32) is counted as d lost datagrams only when
// 0 < d < wire.SequenceLossCeiling; larger jumps mean a restarted sender
// or garbage and are ignored. Duplicates and reordered datagrams fall out
// of the same rule.
func (f *flowState) observe(seq uint32, now time.Time) {
	if f.seenAny {
		if d := seq - f.lastSeq - 1; d > 0 && d < wire.SequenceLossCeiling {
			f.lost += uint64(d)
		}
	}
	f.lastSeq = seq
	f.seenAny = true
	f.received++

	f.arrivals = pushTime(f.arrivals, now)
	f.frameTimes = pushTime(f.frameTimes, now)
}

func pushTime(ts []time.Time, t time.Time) []time.Time {
	if len(ts) == historyDepth {
		copy(ts, ts[1:])
		ts = ts[:historyDepth-1]
	}
	return append(ts, t)
}

func (f *flowState) lossPct() float64 {
	total := f.received + f.lost
	if total == 0 {
		return 0
	}
	return float64(f.lost) / float64(total) * 100
}

// jitterMs is the standard deviation of inter-arrival gaps over the
// arrival window, in milliseconds.
func (f *flowState) jitterMs() float64 {
	if len(f.arrivals) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(f.arrivals)-1)
	for i := 1; i < len(f.arrivals); i++ {
		gaps = append(gaps, float64(f.arrivals[i].Sub(f.arrivals[i-1]).Microseconds())/1000)
	}
	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	return math.Sqrt(variance)
}

// fps is the received frame rate over the frame-time window.
func (f *flowState) fps() float64 {
	n := len(f.frameTimes)
	if n < 2 {
		return 0
	}
	span := f.frameTimes[n-1].Sub(f.frameTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

func (f *flowState) snapshot() FlowStats {
	return FlowStats{
		Received: f.received,
		Lost:     f.lost,
		LossPct:  f.lossPct(),
		JitterMs: f.jitterMs(),
		FPS:      f.fps(),
	}
}

// aggregate folds per-source stats into one view: counters add up, loss
// is recomputed from the sums, jitter and FPS average over active sources.
func aggregate(sources map[string]*flowState) FlowStats {
	var out FlowStats
	var jitterSum, fpsSum float64
	n := 0
	for _, f := range sources {
		out.Received += f.received
		out.Lost += f.lost
		jitterSum += f.jitterMs()
		fpsSum += f.fps()
		n++
	}
	if total := out.Received + out.Lost; total > 0 {
		out.LossPct = float64(out.Lost) / float64(total) * 100
	}
	if n > 0 {
		out.JitterMs = jitterSum / float64(n)
		out.FPS = fpsSum / float64(n)
	}
	return out
}
