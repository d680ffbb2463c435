// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserveSequentialNoLoss(t *testing.T) {
	f := &flowState{}
	now := time.Now()
	for seq := uint32(0); seq < 10; seq++ {
		f.observe(seq, now.Add(time.Duration(seq)*time.Millisecond))
	}
	assert.Equal(t, uint64(10), f.received)
	assert.Equal(t, uint64(0), f.lost)
	assert.Equal(t, float64(0), f.lossPct())
}

func TestObserveGapCountsLoss(t *testing.T) {
	f := &flowState{}
	now := time.Now()
	f.observe(0, now)
	f.observe(4, now) // 1,2,3 missing
	assert.Equal(t, uint64(3), f.lost)
	assert.InDelta(t, 60.0, f.lossPct(), 1e-9) // 3 lost of 5 total
}

func TestObserveWrapAround(t *testing.T) {
	f := &flowState{}
	now := time.Now()
	f.observe(math.MaxUint32, now)
	f.observe(1, now) // 0 missing across the wrap
	assert.Equal(t, uint64(1), f.lost)
}

func TestObserveHugeJumpIgnored(t *testing.T) {
	f := &flowState{}
	now := time.Now()
	f.observe(0, now)
	f.observe(5000, now)
	assert.Equal(t, uint64(0), f.lost)
	// Accounting continues from the new position.
	f.observe(5002, now)
	assert.Equal(t, uint64(1), f.lost)
}

func TestObserveDuplicateAndReorderIgnored(t *testing.T) {
	f := &flowState{}
	now := time.Now()
	f.observe(10, now)
	f.observe(10, now) // duplicate: backward gap, no loss
	f.observe(9, now)  // reordered: backward gap, no loss
	assert.Equal(t, uint64(0), f.lost)
	assert.Equal(t, uint64(3), f.received)
}

func TestJitterUniformArrivalsIsZero(t *testing.T) {
	f := &flowState{}
	start := time.Now()
	for i := 0; i < 20; i++ {
		f.observe(uint32(i), start.Add(time.Duration(i)*50*time.Millisecond))
	}
	assert.InDelta(t, 0.0, f.jitterMs(), 1e-9)
}

func TestJitterAlternatingArrivals(t *testing.T) {
	f := &flowState{}
	start := time.Now()
	// Gaps alternate 40 ms / 60 ms: mean 50, stddev 10.
	at := start
	for i := 0; i < 21; i++ {
		f.observe(uint32(i), at)
		if i%2 == 0 {
			at = at.Add(40 * time.Millisecond)
		} else {
			at = at.Add(60 * time.Millisecond)
		}
	}
	assert.InDelta(t, 10.0, f.jitterMs(), 0.1)
}

func TestFPSOverWindow(t *testing.T) {
	f := &flowState{}
	start := time.Now()
	// 11 frames spanning exactly one second at 100 ms spacing.
	for i := 0; i < 11; i++ {
		f.observe(uint32(i), start.Add(time.Duration(i)*100*time.Millisecond))
	}
	assert.InDelta(t, 10.0, f.fps(), 1e-9)
}

func TestHistoryBounded(t *testing.T) {
	f := &flowState{}
	start := time.Now()
	for i := 0; i < historyDepth*3; i++ {
		f.observe(uint32(i), start.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Len(t, f.arrivals, historyDepth)
	assert.Len(t, f.frameTimes, historyDepth)
	// Window slid forward: the oldest retained arrival is recent.
	assert.True(t, f.arrivals[0].After(start))
}

func TestAggregateAcrossSources(t *testing.T) {
	a := &flowState{received: 90, lost: 10}
	b := &flowState{received: 95, lost: 5}
	agg := aggregate(map[string]*flowState{"a": a, "b": b})
	assert.Equal(t, uint64(185), agg.Received)
	assert.Equal(t, uint64(15), agg.Lost)
	assert.InDelta(t, 7.5, agg.LossPct, 1e-9)
}
