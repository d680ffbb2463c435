// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"math"
	"time"

	"github.com/emiago/meet/media"
	"github.com/emiago/meet/wire"
)

// syntheticCamera produces deterministic pseudo-frames, for running the
// client without a capture device.
type syntheticCamera struct {
	frame uint64
}

func (c *syntheticCamera) Capture() (media.Frame, error) {
	c.frame++
	// A repeating byte pattern keyed by the frame counter stands in for
	// camera output.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(c.frame + uint64(i))
	}
	return media.Frame{Data: data, Width: 854, Height: 480, Timestamp: time.Now()}, nil
}

// scalingEncoder fakes resize+JPEG by scaling the payload to the tier:
// smaller profiles yield proportionally smaller datagrams, which keeps
// the bitrate telemetry meaningful.
type scalingEncoder struct{}

func (scalingEncoder) Encode(f media.Frame, width, height, jpegQuality int) (media.Frame, error) {
	size := len(f.Data) * width / 854
	if size < 1 {
		size = 1
	}
	if size > len(f.Data) {
		size = len(f.Data)
	}
	return media.Frame{Data: f.Data[:size], Width: width, Height: height}, nil
}

// rawDecoder passes payloads through; a real client would decode JPEG
// here.
type rawDecoder struct{}

func (rawDecoder) Decode(data []byte, width, height int) (media.Frame, error) {
	return media.Frame{Data: data, Width: width, Height: height}, nil
}

// toneMic synthesizes a 440 Hz sine at the conference sample rate.
type toneMic struct {
	phase float64
}

func (m *toneMic) ReadChunk(buf []byte) error {
	const freq = 440.0
	step := 2 * math.Pi * freq / wire.AudioSampleRate
	for i := 0; i+1 < len(buf); i += 2 {
		sample := int16(8000 * math.Sin(m.phase))
		buf[i] = byte(sample)
		buf[i+1] = byte(sample >> 8)
		m.phase += step
	}
	return nil
}

// nullSpeaker discards playback while keeping real-time pacing, standing
// in for an audio device.
type nullSpeaker struct{}

func (nullSpeaker) Play(pcm []byte) error {
	time.Sleep(wire.AudioChunkDuration)
	return nil
}
