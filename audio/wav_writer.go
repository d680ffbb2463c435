// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package audio holds PCM utilities for the conferencing client, mainly
// WAV recording of received call audio.
package audio

import (
	"encoding/binary"
	"io"

	"github.com/emiago/meet/wire"
)

const (
	wavHeaderSize   = 44
	wavFmtChunkSize = 16
	wavFormatPCM    = 1
)

// WavWriter streams PCM into w as a RIFF/WAVE file. The header is
// written on the first Write with a zero data size and fixed up by Close,
// so w must support seeking back to the start.
//
// Defaults match the conference audio format: 16 kHz mono 16-bit PCM.
type WavWriter struct {
	SampleRate int
	BitDepth   int
	NumChans   int

	W              io.WriteSeeker
	headersWritten bool
	dataSize       int64
}

func NewWavWriter(w io.WriteSeeker) *WavWriter {
	return &WavWriter{
		SampleRate: wire.AudioSampleRate,
		BitDepth:   8 * wire.AudioSampleBytes,
		NumChans:   wire.AudioChannels,
		W:          w,
	}
}

func (ww *WavWriter) Write(pcm []byte) (int, error) {
	if !ww.headersWritten {
		if _, err := ww.writeHeader(); err != nil {
			return 0, err
		}
		ww.headersWritten = true
	}
	n, err := ww.W.Write(pcm)
	ww.dataSize += int64(n)
	return n, err
}

func (ww *WavWriter) writeHeader() (int, error) {
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(ww.dataSize+wavHeaderSize-8))
	copy(header[8:12], "WAVE")

	byteRate := ww.SampleRate * ww.BitDepth * ww.NumChans / 8
	blockAlign := ww.BitDepth * ww.NumChans / 8

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], wavFmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(ww.NumChans))
	binary.LittleEndian.PutUint32(header[24:28], uint32(ww.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(ww.BitDepth))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(ww.dataSize))

	return ww.W.Write(header)
}

// Close rewrites the header with the final data size. The underlying
// writer is not closed.
func (ww *WavWriter) Close() error {
	if _, err := ww.W.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := ww.writeHeader()
	return err
}
