// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package meet

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emiago/meet/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, data []byte) (*FileSender, chan int, *[]*wire.Message, *sync.Mutex) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	acks := make(chan int, 256)
	var mu sync.Mutex
	var sent []*wire.Message
	send := func(msg *wire.Message) error {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		return nil
	}
	fs, err := NewFileSender(path, wire.TargetEveryone, send, acks, nil)
	require.NoError(t, err)
	return fs, acks, &sent, &mu
}

func TestSlowStartGrowth(t *testing.T) {
	fs, _, _, _ := newTestSender(t, []byte("x"))
	require.Equal(t, float64(wire.InitialCwnd), fs.Cwnd())

	// One increment per ACK until ssthresh.
	for i := 0; i < wire.InitialSsthresh-wire.InitialCwnd; i++ {
		fs.onAck()
	}
	assert.Equal(t, float64(wire.InitialSsthresh), fs.Cwnd())

	// Congestion avoidance: additive 1/cwnd.
	fs.onAck()
	assert.InDelta(t, 8+1.0/8, fs.Cwnd(), 1e-9)
}

func TestCwndCap(t *testing.T) {
	fs, _, _, _ := newTestSender(t, []byte("x"))
	for i := 0; i < 500; i++ {
		fs.onAck()
	}
	assert.Equal(t, float64(wire.MaxCwnd), fs.Cwnd())
}

func TestTimeoutBackoff(t *testing.T) {
	fs, _, _, _ := newTestSender(t, []byte("x"))
	for i := 0; i < 19; i++ {
		fs.onAck()
	}
	cwnd := fs.Cwnd()
	require.Greater(t, cwnd, 2.0)

	fs.onTimeout()
	assert.Equal(t, 1.0, fs.Cwnd())
	assert.Equal(t, cwnd/2, fs.Ssthresh())

	// Backoff from a tiny window still floors ssthresh at 1.
	fs.onTimeout()
	assert.Equal(t, 1.0, fs.Ssthresh())
}

func TestRTOEstimation(t *testing.T) {
	fs, _, _, _ := newTestSender(t, []byte("x"))
	require.Equal(t, wire.MinRTO, fs.RTO())

	// First sample initializes srtt=s, rttvar=s/2.
	fs.observeRTT(400 * time.Millisecond)
	assert.Equal(t, 400*time.Millisecond, fs.SRTT())
	assert.Equal(t, 2*time.Second, fs.RTO()) // 400ms + 4*200ms

	// Second sample: rttvar = 3/4*200 + 1/4*|400-200| = 200ms,
	// srtt = 7/8*400 + 1/8*200 = 375ms, rto = 375 + 800 = 1175ms.
	fs.observeRTT(200 * time.Millisecond)
	assert.Equal(t, 375*time.Millisecond, fs.SRTT())
	assert.Equal(t, 1175*time.Millisecond, fs.RTO())
}

func TestRTOClampedToMinimum(t *testing.T) {
	fs, _, _, _ := newTestSender(t, []byte("x"))
	fs.observeRTT(10 * time.Millisecond)
	assert.Equal(t, wire.MinRTO, fs.RTO())
}

// loopback wires a FileSender directly to a FileReceiver: every chunk is
// delivered and ACKed synchronously.
func loopback(t *testing.T, fr *FileReceiver, results *[]EventFileReceived) func(*wire.Message) error {
	t.Helper()
	return func(msg *wire.Message) error {
		switch msg.Type {
		case wire.MsgFileStart:
			msg.SenderName = "peer"
			return fr.HandleStart(msg)
		case wire.MsgFileChunk:
			return fr.HandleChunk(msg)
		case wire.MsgFileEnd:
			ev, err := fr.HandleEnd(msg)
			if err != nil {
				return err
			}
			*results = append(*results, ev)
		}
		return nil
	}
}

func TestTransferEndToEnd(t *testing.T) {
	data := make([]byte, 3*wire.BaseChunkSize+1234)
	_, err := rand.New(rand.NewSource(7)).Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	acks := make(chan int, 256)
	downloads := t.TempDir()
	var results []EventFileReceived
	fr := NewFileReceiver(downloads, func(msg *wire.Message) error {
		acks <- msg.ChunkID
		return nil
	}, nil)

	fs, err := NewFileSender(path, wire.TargetEveryone, loopback(t, fr, &results), acks, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Run())

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "big.bin", results[0].Filename)

	got, err := os.ReadFile(filepath.Join(downloads, "big.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// Lossless path: the window only ever grew.
	hist := fs.CwndHistory()
	require.NotEmpty(t, hist)
	for i := 1; i < len(hist); i++ {
		assert.GreaterOrEqual(t, hist[i], hist[i-1])
	}
	assert.Len(t, fs.RTTHistory(), 4)
}

func TestTransferEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	acks := make(chan int, 4)
	downloads := t.TempDir()
	var results []EventFileReceived
	fr := NewFileReceiver(downloads, func(msg *wire.Message) error {
		acks <- msg.ChunkID
		return nil
	}, nil)

	fs, err := NewFileSender(path, wire.TargetEveryone, loopback(t, fr, &results), acks, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Run())

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	got, err := os.ReadFile(filepath.Join(downloads, "empty.txt"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWindowRespectsCwnd(t *testing.T) {
	data := make([]byte, 10*wire.BaseChunkSize)
	fs, acks, sent, mu := newTestSender(t, data)

	go fs.Run()

	chunkSends := func() []int {
		mu.Lock()
		defer mu.Unlock()
		var ids []int
		for _, m := range *sent {
			if m.Type == wire.MsgFileChunk {
				ids = append(ids, m.ChunkID)
			}
		}
		return ids
	}

	// cwnd=1: exactly one chunk may be outstanding.
	require.Eventually(t, func() bool { return len(chunkSends()) == 1 }, time.Second/2, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, chunkSends(), 1)

	// One ACK doubles nothing but grows cwnd to 2: two more go out.
	acks <- 0
	require.Eventually(t, func() bool { return len(chunkSends()) == 3 }, time.Second/2, 5*time.Millisecond)

	// Two more ACKs: cwnd=4, in-flight refills to 4 (chunks 3..6).
	acks <- 1
	acks <- 2
	require.Eventually(t, func() bool { return len(chunkSends()) == 7 }, time.Second/2, 5*time.Millisecond)

	// Drain the rest: ACK each chunk as it shows up on the wire.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ackedIDs := map[int]bool{0: true, 1: true, 2: true}
		for {
			for _, id := range chunkSends() {
				if !ackedIDs[id] {
					ackedIDs[id] = true
					acks <- id
				}
			}
			if len(ackedIDs) == 10 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range *sent {
			if m.Type == wire.MsgFileEnd {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	<-done
}

func TestRetransmitOnTimeoutAndKarn(t *testing.T) {
	data := make([]byte, wire.BaseChunkSize/2)
	fs, acks, sent, mu := newTestSender(t, data)

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- fs.Run() }()

	// No ACK: the single chunk must be retransmitted after the minimum RTO.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, m := range *sent {
			if m.Type == wire.MsgFileChunk && m.ChunkID == 0 {
				n++
			}
		}
		return n >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), wire.MinRTO)
	assert.Equal(t, 1.0, fs.Cwnd())
	assert.Equal(t, 1.0, fs.Ssthresh())

	// ACK the retransmitted chunk. Karn's rule: no RTT sample from it.
	acks <- 0
	require.NoError(t, <-errCh)
	assert.Empty(t, fs.RTTHistory())
	assert.Equal(t, wire.MinRTO, fs.RTO())
}

func TestReceiverChecksumMismatchKeepsFile(t *testing.T) {
	downloads := t.TempDir()
	acked := 0
	fr := NewFileReceiver(downloads, func(msg *wire.Message) error {
		acked++
		return nil
	}, nil)

	require.NoError(t, fr.HandleStart(&wire.Message{
		Type: wire.MsgFileStartNotify, Filename: "doc.txt", Filesize: 5,
		ChunkSize: wire.BaseChunkSize, SenderName: "A",
	}))
	require.NoError(t, fr.HandleChunk(&wire.Message{
		Type: wire.MsgFileChunkForward, ChunkID: 0, Data: "aGVsbG8=", // "hello"
	}))
	require.Equal(t, 1, acked)

	ev, err := fr.HandleEnd(&wire.Message{Type: wire.MsgFileEndNotify, Checksum: "0000"})
	require.NoError(t, err)
	assert.False(t, ev.OK)

	// Corrupt transfers stay on disk for inspection.
	got, err := os.ReadFile(filepath.Join(downloads, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReceiverDuplicateChunkOverwrites(t *testing.T) {
	downloads := t.TempDir()
	fr := NewFileReceiver(downloads, func(*wire.Message) error { return nil }, nil)

	require.NoError(t, fr.HandleStart(&wire.Message{Filename: "d.bin", Filesize: 5, ChunkSize: wire.BaseChunkSize}))
	require.NoError(t, fr.HandleChunk(&wire.Message{ChunkID: 0, Data: "QUFBQUE="})) // AAAAA
	require.NoError(t, fr.HandleChunk(&wire.Message{ChunkID: 0, Data: "QkJCQkI="})) // BBBBB

	sum := md5.Sum([]byte("BBBBB"))
	ev, err := fr.HandleEnd(&wire.Message{Checksum: hex.EncodeToString(sum[:])})
	require.NoError(t, err)
	assert.True(t, ev.OK)
}
