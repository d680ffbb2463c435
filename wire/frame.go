// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single control frame. The biggest legitimate frame is
// a FILE_CHUNK (base64 of 8 KiB), so anything near this limit is garbage or
// a desynced stream.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame serializes msg and writes it as one length-prefixed frame.
// The prefix is a 4-byte big-endian length of the JSON body. The frame is
// issued as a single Write so concurrent writers (holding their own lock)
// never interleave partial frames.
func WriteFrame(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame. Partial reads are retried until the
// declared length is consumed. A clean close before the length prefix
// surfaces as io.EOF; a close mid-frame as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return msg, nil
}
