// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// UDP media headers. All fields big-endian.
//
// Video (24 bytes): frame_id u32 | timestamp u64 (us) | sequence_num u32 |
// width u16 | height u16 | payload_size i32. Payload is a JPEG image.
//
// Audio (19 bytes): audio_id u32 | timestamp u64 (us) | sample_rate u16 |
// channels u8 | payload_size i32. Payload is raw little-endian int16 PCM.
const (
	VideoHeaderSize = 24
	AudioHeaderSize = 19
)

var (
	ErrShortHeader     = errors.New("wire: datagram shorter than header")
	ErrUnknownDatagram = errors.New("wire: datagram matches no media header")
)

type VideoHeader struct {
	FrameID     uint32
	Timestamp   uint64
	SequenceNum uint32
	Width       uint16
	Height      uint16
	PayloadSize int32
}

func PackVideoHeader(h VideoHeader) []byte {
	b := make([]byte, VideoHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.FrameID)
	binary.BigEndian.PutUint64(b[4:12], h.Timestamp)
	binary.BigEndian.PutUint32(b[12:16], h.SequenceNum)
	binary.BigEndian.PutUint16(b[16:18], h.Width)
	binary.BigEndian.PutUint16(b[18:20], h.Height)
	binary.BigEndian.PutUint32(b[20:24], uint32(h.PayloadSize))
	return b
}

func UnpackVideoHeader(data []byte) (VideoHeader, error) {
	if len(data) < VideoHeaderSize {
		return VideoHeader{}, fmt.Errorf("%w: video needs %d, have %d", ErrShortHeader, VideoHeaderSize, len(data))
	}
	return VideoHeader{
		FrameID:     binary.BigEndian.Uint32(data[0:4]),
		Timestamp:   binary.BigEndian.Uint64(data[4:12]),
		SequenceNum: binary.BigEndian.Uint32(data[12:16]),
		Width:       binary.BigEndian.Uint16(data[16:18]),
		Height:      binary.BigEndian.Uint16(data[18:20]),
		PayloadSize: int32(binary.BigEndian.Uint32(data[20:24])),
	}, nil
}

type AudioHeader struct {
	AudioID     uint32
	Timestamp   uint64
	SampleRate  uint16
	Channels    uint8
	PayloadSize int32
}

func PackAudioHeader(h AudioHeader) []byte {
	b := make([]byte, AudioHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.AudioID)
	binary.BigEndian.PutUint64(b[4:12], h.Timestamp)
	binary.BigEndian.PutUint16(b[12:14], h.SampleRate)
	b[14] = h.Channels
	binary.BigEndian.PutUint32(b[15:19], uint32(h.PayloadSize))
	return b
}

func UnpackAudioHeader(data []byte) (AudioHeader, error) {
	if len(data) < AudioHeaderSize {
		return AudioHeader{}, fmt.Errorf("%w: audio needs %d, have %d", ErrShortHeader, AudioHeaderSize, len(data))
	}
	return AudioHeader{
		AudioID:     binary.BigEndian.Uint32(data[0:4]),
		Timestamp:   binary.BigEndian.Uint64(data[4:12]),
		SampleRate:  binary.BigEndian.Uint16(data[12:14]),
		Channels:    data[14],
		PayloadSize: int32(binary.BigEndian.Uint32(data[15:19])),
	}, nil
}

// DatagramKind classifies a relayed datagram.
type DatagramKind int

const (
	KindUnknown DatagramKind = iota
	KindVideo
	KindAudio
)

func (k DatagramKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// ClassifyDatagram decides whether data is a video or audio datagram.
// Classification is by payload-length validation, not byte count alone:
// the datagram is accepted iff the parsed header's payload_size matches the
// bytes remaining after the header.
func ClassifyDatagram(data []byte) (DatagramKind, error) {
	if len(data) >= VideoHeaderSize {
		h, err := UnpackVideoHeader(data)
		if err == nil && h.PayloadSize >= 0 && int(h.PayloadSize) == len(data)-VideoHeaderSize {
			return KindVideo, nil
		}
	}
	if len(data) >= AudioHeaderSize {
		h, err := UnpackAudioHeader(data)
		if err == nil && h.PayloadSize >= 0 && int(h.PayloadSize) == len(data)-AudioHeaderSize {
			return KindAudio, nil
		}
	}
	return KindUnknown, ErrUnknownDatagram
}
