// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"os"
	"sync"
)

// Recorder writes received call audio to a WAV file on disk. It is safe
// to call from the playback loop while another goroutine closes it.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	ww     *WavWriter
	closed bool
}

func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", path, err)
	}
	return &Recorder{f: f, ww: NewWavWriter(f)}, nil
}

// WritePCM appends one chunk of 16-bit PCM. Writes after Close are
// dropped silently so a racing playback loop cannot corrupt the file.
func (r *Recorder) WritePCM(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	_, err := r.ww.Write(pcm)
	return err
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.ww.Close(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
