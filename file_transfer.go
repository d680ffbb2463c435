// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package meet

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emiago/meet/wire"
	"github.com/google/uuid"
)

// FileSender pushes one file over the control channel with TCP-Reno-style
// congestion control in chunk units: slow start below ssthresh (+1 cwnd
// per ACK), congestion avoidance above it (+1/cwnd per ACK), multiplicative
// backoff on timeout. The RTO follows Jacobson/Karn estimation; samples
// from retransmitted chunks are discarded.
//
// The server only forwards: chunks travel as FILE_CHUNK, receivers answer
// FILE_ACK, and the in-flight set is capped at floor(cwnd).
type FileSender struct {
	ID       string
	Filename string
	Target   string

	log  *slog.Logger
	send func(*wire.Message) error
	acks <-chan int

	data []byte

	mu       sync.Mutex
	cwnd     float64
	ssthresh float64
	srtt     time.Duration
	rttvar   time.Duration
	hasSRTT  bool
	rto      time.Duration

	cwndHist []float64
	rttHist  []time.Duration
}

// NewFileSender reads the whole file up front; transfers are sized for
// documents, not disk images. send ships one control frame, acks delivers
// chunk ids routed back from the receiver.
func NewFileSender(path, target string, send func(*wire.Message) error, acks <-chan int, logger *slog.Logger) (*FileSender, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file for transfer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &FileSender{
		ID:       id,
		Filename: filepath.Base(path),
		Target:   target,
		log:      logger.With("component", "file_sender", "transfer_id", id),
		send:     send,
		acks:     acks,
		data:     data,
		cwnd:     wire.InitialCwnd,
		ssthresh: wire.InitialSsthresh,
		rto:      wire.MinRTO,
	}, nil
}

func (fs *FileSender) chunkCount() int {
	return (len(fs.data) + wire.BaseChunkSize - 1) / wire.BaseChunkSize
}

func (fs *FileSender) chunk(id int) []byte {
	start := id * wire.BaseChunkSize
	end := start + wire.BaseChunkSize
	if end > len(fs.data) {
		end = len(fs.data)
	}
	return fs.data[start:end]
}

// Run drives the transfer to completion: FILE_START, windowed chunks,
// FILE_END with the MD5 of the whole file.
func (fs *FileSender) Run() error {
	total := fs.chunkCount()
	fs.log.Info("file transfer starting", "filename", fs.Filename, "size", len(fs.data), "chunks", total)

	err := fs.send(&wire.Message{
		Type:       wire.MsgFileStart,
		Filename:   fs.Filename,
		Filesize:   int64(len(fs.data)),
		ChunkSize:  wire.BaseChunkSize,
		TargetName: fs.Target,
	})
	if err != nil {
		return fmt.Errorf("file start: %w", err)
	}

	inflight := map[int]time.Time{}
	retransmitted := map[int]bool{}
	acked := 0
	next := 0

	for acked < total {
		for len(inflight) < fs.window() && next < total {
			if err := fs.sendChunk(next); err != nil {
				return err
			}
			inflight[next] = time.Now()
			next++
		}

		first, sentAt := oldestInflight(inflight)
		timer := time.NewTimer(time.Until(sentAt.Add(fs.RTO())))

		select {
		case id, ok := <-fs.acks:
			timer.Stop()
			if !ok {
				return fmt.Errorf("transfer aborted: ack channel closed")
			}
			chunkSentAt, live := inflight[id]
			if !live {
				continue // duplicate or stale ACK
			}
			delete(inflight, id)
			acked++
			if !retransmitted[id] {
				fs.observeRTT(time.Since(chunkSentAt))
			}
			fs.onAck()

		case <-timer.C:
			fs.onTimeout()
			fs.log.Debug("retransmit on timeout", "chunk", first, "cwnd", fs.Cwnd(), "rto", fs.RTO())
			if err := fs.sendChunk(first); err != nil {
				return err
			}
			inflight[first] = time.Now()
			retransmitted[first] = true
		}
	}

	sum := md5.Sum(fs.data)
	err = fs.send(&wire.Message{
		Type:       wire.MsgFileEnd,
		Checksum:   hex.EncodeToString(sum[:]),
		TargetName: fs.Target,
	})
	if err != nil {
		return fmt.Errorf("file end: %w", err)
	}
	fs.log.Info("file transfer done", "filename", fs.Filename, "chunks", total)
	return nil
}

func (fs *FileSender) sendChunk(id int) error {
	err := fs.send(&wire.Message{
		Type:       wire.MsgFileChunk,
		ChunkID:    id,
		Data:       base64.StdEncoding.EncodeToString(fs.chunk(id)),
		TargetName: fs.Target,
	})
	if err != nil {
		return fmt.Errorf("file chunk %d: %w", id, err)
	}
	return nil
}

func oldestInflight(inflight map[int]time.Time) (int, time.Time) {
	first := -1
	var at time.Time
	for id, t := range inflight {
		if first == -1 || id < first {
			first, at = id, t
		}
	}
	return first, at
}

// window is the in-flight cap: floor(cwnd).
func (fs *FileSender) window() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return int(fs.cwnd)
}

// onAck grows the window: +1 in slow start, +1/cwnd in congestion
// avoidance, capped at the maximum.
func (fs *FileSender) onAck() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.cwnd < fs.ssthresh {
		fs.cwnd++
	} else {
		fs.cwnd += 1 / fs.cwnd
	}
	if fs.cwnd > wire.MaxCwnd {
		fs.cwnd = wire.MaxCwnd
	}
	fs.cwndHist = append(fs.cwndHist, fs.cwnd)
}

// onTimeout backs off multiplicatively and restarts from a window of one.
func (fs *FileSender) onTimeout() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.ssthresh = fs.cwnd / 2
	if fs.ssthresh < 1 {
		fs.ssthresh = 1
	}
	fs.cwnd = 1
	fs.cwndHist = append(fs.cwndHist, fs.cwnd)
}

// observeRTT feeds one clean sample into the Jacobson estimator.
func (fs *FileSender) observeRTT(sample time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.hasSRTT {
		fs.srtt = sample
		fs.rttvar = sample / 2
		fs.hasSRTT = true
	} else {
		diff := fs.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		fs.rttvar = 3*fs.rttvar/4 + diff/4
		fs.srtt = 7*fs.srtt/8 + sample/8
	}
	fs.rto = fs.srtt + 4*fs.rttvar
	if fs.rto < wire.MinRTO {
		fs.rto = wire.MinRTO
	}
	fs.rttHist = append(fs.rttHist, sample)
}

func (fs *FileSender) Cwnd() float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cwnd
}

func (fs *FileSender) Ssthresh() float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.ssthresh
}

func (fs *FileSender) RTO() time.Duration {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.rto
}

func (fs *FileSender) SRTT() time.Duration {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.srtt
}

// CwndHistory returns the window trajectory, one point per ACK or
// timeout, for plotting.
func (fs *FileSender) CwndHistory() []float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]float64(nil), fs.cwndHist...)
}

// RTTHistory returns the clean RTT samples in arrival order.
func (fs *FileSender) RTTHistory() []time.Duration {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]time.Duration(nil), fs.rttHist...)
}

// FileReceiver reassembles an incoming transfer under the downloads
// directory. Chunks may arrive more than once; writes are positioned at
// chunk_id × chunk size, so duplicates simply overwrite.
type FileReceiver struct {
	dir  string
	log  *slog.Logger
	send func(*wire.Message) error

	mu        sync.Mutex
	f         *os.File
	path      string
	filename  string
	sender    string
	size      int64
	chunkSize int
}

func NewFileReceiver(dir string, send func(*wire.Message) error, logger *slog.Logger) *FileReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileReceiver{
		dir:  dir,
		log:  logger.With("component", "file_receiver"),
		send: send,
	}
}

// HandleStart opens the destination file. A transfer already in progress
// is abandoned in favor of the new one.
func (fr *FileReceiver) HandleStart(msg *wire.Message) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.f != nil {
		fr.f.Close()
		fr.f = nil
	}
	if err := os.MkdirAll(fr.dir, 0o755); err != nil {
		return fmt.Errorf("create downloads dir: %w", err)
	}
	path := filepath.Join(fr.dir, filepath.Base(msg.Filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open download %s: %w", path, err)
	}
	fr.f = f
	fr.path = path
	fr.filename = msg.Filename
	fr.sender = msg.SenderName
	fr.size = msg.Filesize
	fr.chunkSize = msg.ChunkSize
	if fr.chunkSize <= 0 {
		fr.chunkSize = wire.BaseChunkSize
	}
	fr.log.Info("incoming file", "filename", msg.Filename, "size", msg.Filesize, "from", msg.SenderName)
	return nil
}

// HandleChunk writes the chunk at its offset and ACKs it, duplicates
// included, so the sender's window keeps moving.
func (fr *FileReceiver) HandleChunk(msg *wire.Message) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.f == nil {
		return fmt.Errorf("chunk %d without an active transfer", msg.ChunkID)
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return fmt.Errorf("chunk %d decode: %w", msg.ChunkID, err)
	}
	if _, err := fr.f.WriteAt(data, int64(msg.ChunkID)*int64(fr.chunkSize)); err != nil {
		return fmt.Errorf("chunk %d write: %w", msg.ChunkID, err)
	}
	return fr.send(&wire.Message{Type: wire.MsgFileAck, ChunkID: msg.ChunkID})
}

// HandleEnd closes the file and verifies the sender's MD5. The file stays
// on disk either way; OK reports whether the checksum matched.
func (fr *FileReceiver) HandleEnd(msg *wire.Message) (EventFileReceived, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	ev := EventFileReceived{Filename: fr.filename, Path: fr.path}
	if fr.f == nil {
		return ev, fmt.Errorf("file end without an active transfer")
	}
	f := fr.f
	fr.f = nil
	defer f.Close()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ev, err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return ev, fmt.Errorf("checksum download: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	ev.OK = got == msg.Checksum
	if !ev.OK {
		fr.log.Warn("file checksum mismatch", "filename", fr.filename, "want", msg.Checksum, "got", got)
	} else {
		fr.log.Info("file received", "filename", fr.filename, "path", fr.path)
	}
	return ev, nil
}

// Active reports whether a transfer is mid-flight.
func (fr *FileReceiver) Active() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.f != nil
}
