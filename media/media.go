// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package media implements the client side of the UDP media plane: paced
// video/audio senders and per-source receivers with loss, jitter and FPS
// accounting.
//
// Capture devices and codecs stay outside the package. Callers inject
// FrameSource/VideoEncoder for the sending path and VideoDecoder/FrameSink
// for the receiving path; audio works the same way with AudioSource and
// AudioSink. Everything that crosses the socket is raw wire format: JPEG
// payload behind a wire.VideoHeader, little-endian int16 PCM behind a
// wire.AudioHeader.
package media

import (
	"time"
)

// Frame is a video frame at some stage of the pipeline: raw capture bytes
// before encoding, JPEG bytes after.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// FrameSource produces capture frames. Capture may block until the next
// frame is available; the sender paces calls to the active frame rate.
type FrameSource interface {
	Capture() (Frame, error)
}

// VideoEncoder resizes and compresses a raw frame for the given tier
// profile. The returned frame's Data is the on-wire JPEG payload.
type VideoEncoder interface {
	Encode(f Frame, width, height, jpegQuality int) (Frame, error)
}

// VideoDecoder decompresses a received JPEG payload.
type VideoDecoder interface {
	Decode(data []byte, width, height int) (Frame, error)
}

// FrameSink consumes decoded frames for display, keyed by the sender's
// source address. Implementations must not block the receive loop.
type FrameSink interface {
	Display(source string, f Frame)
}

// AudioSource fills buf with one chunk of 16-bit PCM. It should block
// until a full chunk was captured.
type AudioSource interface {
	ReadChunk(buf []byte) error
}

// AudioSink plays one chunk of 16-bit PCM. Play is expected to block for
// the chunk's duration; the playback loop relies on it for pacing.
type AudioSink interface {
	Play(pcm []byte) error
}
