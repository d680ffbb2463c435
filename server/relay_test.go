// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/emiago/meet/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// udpListener binds an ephemeral UDP port for a test client endpoint.
func udpListener(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvDatagram(t *testing.T, conn *net.UDPConn, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, RelayBufSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func expectNoDatagram(t *testing.T, conn *net.UDPConn, window time.Duration) {
	t.Helper()
	buf := make([]byte, RelayBufSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	n, _, err := conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("expected no datagram, got %d bytes", n)
	}
	ne, ok := err.(net.Error)
	require.True(t, ok && ne.Timeout(), "expected read timeout, got %v", err)
}

// registerUDP registers media ports over the control connection and
// confirms processing with a heartbeat round-trip, which guarantees the
// ordering since frames on one conn are handled sequentially.
func (c *testClient) registerUDP(videoPort, audioPort int) {
	c.t.Helper()
	c.send(&wire.Message{Type: wire.MsgRegisterUDP, VideoPort: videoPort, AudioPort: audioPort})
	c.send(&wire.Message{Type: wire.MsgHeartbeat, Timestamp: 42})
	c.expect(wire.MsgHeartbeatAck, 2*time.Second)
}

func videoDatagram(t *testing.T, payload []byte) []byte {
	t.Helper()
	hdr := wire.VideoHeader{FrameID: 7, Timestamp: 123456, SequenceNum: 1, Width: 640, Height: 360, PayloadSize: int32(len(payload))}
	return append(wire.PackVideoHeader(hdr), payload...)
}

func audioDatagram(t *testing.T, payload []byte) []byte {
	t.Helper()
	hdr := wire.AudioHeader{AudioID: 3, Timestamp: 123456, SampleRate: wire.AudioSampleRate, Channels: wire.AudioChannels, PayloadSize: int32(len(payload))}
	return append(wire.PackAudioHeader(hdr), payload...)
}

func TestRelayFanOut(t *testing.T) {
	srv := startTestServer(t)
	host := dialTestClient(t, srv)
	guest := dialTestClient(t, srv)

	code := host.createMeeting("H")
	admit(t, host, guest, code, "G")

	hostVideo := udpListener(t)
	hostAudio := udpListener(t)
	guestVideo := udpListener(t)
	guestAudio := udpListener(t)

	host.registerUDP(hostVideo.LocalAddr().(*net.UDPAddr).Port, hostAudio.LocalAddr().(*net.UDPAddr).Port)
	guest.registerUDP(guestVideo.LocalAddr().(*net.UDPAddr).Port, guestAudio.LocalAddr().(*net.UDPAddr).Port)

	// Media arrives from a transient socket whose port matches no
	// registered endpoint, so the relay falls back to IP matching; in
	// insertion order the host matches first and the fan-out goes to the
	// guest's endpoints.
	sender := udpListener(t)

	video := videoDatagram(t, bytes.Repeat([]byte{0xAB}, 100))
	_, err := sender.WriteToUDP(video, srv.UDPAddr())
	require.NoError(t, err)

	got := recvDatagram(t, guestVideo, 2*time.Second)
	assert.Equal(t, video, got)
	expectNoDatagram(t, guestAudio, 200*time.Millisecond)
	expectNoDatagram(t, hostVideo, 200*time.Millisecond)

	audio := audioDatagram(t, bytes.Repeat([]byte{0x01, 0x02}, wire.AudioChunkSamples))
	_, err = sender.WriteToUDP(audio, srv.UDPAddr())
	require.NoError(t, err)

	got = recvDatagram(t, guestAudio, 2*time.Second)
	assert.Equal(t, audio, got)
	expectNoDatagram(t, guestVideo, 200*time.Millisecond)

	received, relayed, _ := srv.relay.Stats()
	assert.GreaterOrEqual(t, received, uint64(2))
	assert.GreaterOrEqual(t, relayed, uint64(2))
}

func TestRelayExactEndpointMatch(t *testing.T) {
	srv := startTestServer(t)
	host := dialTestClient(t, srv)
	guest := dialTestClient(t, srv)

	code := host.createMeeting("H")
	admit(t, host, guest, code, "G")

	hostVideo := udpListener(t)
	guestVideo := udpListener(t)
	guestAudio := udpListener(t)

	// Guest sends video from its own registered video socket, so the
	// relay identifies it by exact (ip, port) and delivers to the host.
	host.registerUDP(hostVideo.LocalAddr().(*net.UDPAddr).Port, udpListener(t).LocalAddr().(*net.UDPAddr).Port)
	guest.registerUDP(guestVideo.LocalAddr().(*net.UDPAddr).Port, guestAudio.LocalAddr().(*net.UDPAddr).Port)

	video := videoDatagram(t, []byte("frame-bytes"))
	_, err := guestVideo.WriteToUDP(video, srv.UDPAddr())
	require.NoError(t, err)

	got := recvDatagram(t, hostVideo, 2*time.Second)
	assert.Equal(t, video, got)
	expectNoDatagram(t, guestVideo, 200*time.Millisecond)
}

func TestRelayDropsGarbage(t *testing.T) {
	srv := startTestServer(t)
	host := dialTestClient(t, srv)
	guest := dialTestClient(t, srv)

	code := host.createMeeting("H")
	admit(t, host, guest, code, "G")

	guestVideo := udpListener(t)
	guestAudio := udpListener(t)
	host.registerUDP(udpListener(t).LocalAddr().(*net.UDPAddr).Port, udpListener(t).LocalAddr().(*net.UDPAddr).Port)
	guest.registerUDP(guestVideo.LocalAddr().(*net.UDPAddr).Port, guestAudio.LocalAddr().(*net.UDPAddr).Port)

	sender := udpListener(t)
	// Length fields match neither header layout.
	_, err := sender.WriteToUDP([]byte{1, 2, 3, 4, 5}, srv.UDPAddr())
	require.NoError(t, err)

	expectNoDatagram(t, guestVideo, 300*time.Millisecond)
	expectNoDatagram(t, guestAudio, 300*time.Millisecond)
}
