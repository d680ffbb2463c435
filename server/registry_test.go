// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package server

import (
	"net"
	"regexp"
	"testing"

	"github.com/emiago/meet/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a
}

func TestCreateMeeting(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)

	code, err := reg.CreateMeeting(host, "Jony")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

	info, ok := reg.ClientInfo(host)
	require.True(t, ok)
	assert.True(t, info.IsHost)
	assert.Equal(t, code, info.Meeting)

	// Host is always a member of the participant set.
	assert.Equal(t, []net.Conn{host}, reg.Participants(code))
	assert.Equal(t, host, reg.Host(code))

	_, err = reg.CreateMeeting(host, "Jony")
	assert.ErrorIs(t, err, ErrAlreadyInMeeting)
}

func TestJoinFlow(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	guest := pipeConn(t)

	code, err := reg.CreateMeeting(host, "H")
	require.NoError(t, err)

	err = reg.RequestJoin(guest, "000000", "G")
	if code != "000000" {
		assert.ErrorIs(t, err, ErrMeetingNotFound)
	}

	require.NoError(t, reg.RequestJoin(guest, code, "G"))
	// Repeating the request is a no-op.
	require.NoError(t, reg.RequestJoin(guest, code, "G"))
	assert.Equal(t, []string{"G"}, reg.WaitingNames(code))

	// Waiting client is not a participant.
	assert.Equal(t, []net.Conn{host}, reg.Participants(code))

	target, ok := reg.FindWaitingByName(host, "G")
	require.True(t, ok)
	require.NoError(t, reg.AllowJoin(target))

	assert.Empty(t, reg.WaitingNames(code))
	assert.Equal(t, []net.Conn{host, guest}, reg.Participants(code))

	// Promoted clients cannot be allowed twice.
	assert.ErrorIs(t, reg.AllowJoin(guest), ErrNotWaiting)
}

func TestDenyJoin(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	guest := pipeConn(t)

	code, err := reg.CreateMeeting(host, "H")
	require.NoError(t, err)
	require.NoError(t, reg.RequestJoin(guest, code, "G"))

	require.NoError(t, reg.DenyJoin(guest))
	assert.Empty(t, reg.WaitingNames(code))

	// Denied client record is discarded; the conn is unassigned again and
	// may create its own meeting.
	_, ok := reg.ClientInfo(guest)
	assert.False(t, ok)
	_, err = reg.CreateMeeting(guest, "G")
	assert.NoError(t, err)

	assert.ErrorIs(t, reg.DenyJoin(host), ErrNotWaiting)
}

func TestLeaveParticipant(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	guest := pipeConn(t)

	code, _ := reg.CreateMeeting(host, "H")
	require.NoError(t, reg.RequestJoin(guest, code, "G"))
	target, _ := reg.FindWaitingByName(host, "G")
	require.NoError(t, reg.AllowJoin(target))

	res, err := reg.Leave(guest)
	require.NoError(t, err)
	assert.Equal(t, "G", res.Name)
	assert.True(t, res.WasParticipant)
	assert.False(t, res.WasHost)
	assert.False(t, res.MeetingClosed)
	assert.Equal(t, []net.Conn{host}, res.Remaining)

	// Meeting survives with the host alone.
	assert.Equal(t, 1, reg.MeetingCount())
	assert.Equal(t, []net.Conn{host}, reg.Participants(code))
}

func TestHostLeaveClosesMeeting(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	g1 := pipeConn(t)
	g2 := pipeConn(t)
	waiting := pipeConn(t)

	code, _ := reg.CreateMeeting(host, "H")
	for name, conn := range map[string]net.Conn{"A": g1, "B": g2} {
		require.NoError(t, reg.RequestJoin(conn, code, name))
		target, _ := reg.FindWaitingByName(host, name)
		require.NoError(t, reg.AllowJoin(target))
	}
	require.NoError(t, reg.RequestJoin(waiting, code, "W"))

	res, err := reg.Leave(host)
	require.NoError(t, err)
	assert.True(t, res.WasHost)
	assert.True(t, res.MeetingClosed)
	assert.ElementsMatch(t, []net.Conn{g1, g2, waiting}, res.Expelled)

	// Destruction cascades: every record for the meeting is purged, but
	// the conns are merely unassigned.
	assert.Equal(t, 0, reg.MeetingCount())
	for _, conn := range []net.Conn{g1, g2, waiting} {
		_, ok := reg.ClientInfo(conn)
		assert.False(t, ok)
	}
	_, err = reg.CreateMeeting(g1, "A")
	assert.NoError(t, err)
}

func TestLeaveWaitingClient(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	guest := pipeConn(t)

	code, _ := reg.CreateMeeting(host, "H")
	require.NoError(t, reg.RequestJoin(guest, code, "G"))

	res, err := reg.Leave(guest)
	require.NoError(t, err)
	assert.False(t, res.WasParticipant)
	assert.Empty(t, reg.WaitingNames(code))
	assert.Equal(t, 1, reg.MeetingCount())
}

func TestLeaveUnassigned(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Leave(pipeConn(t))
	assert.ErrorIs(t, err, ErrNotInMeeting)
}

func TestRegisterUDP(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	_, err := reg.CreateMeeting(host, "H")
	require.NoError(t, err)

	require.NoError(t, reg.RegisterUDP(host, 40001, 40002))
	info, _ := reg.ClientInfo(host)
	require.NotNil(t, info.VideoAddr)
	require.NotNil(t, info.AudioAddr)
	assert.Equal(t, 40001, info.VideoAddr.Port)
	assert.Equal(t, 40002, info.AudioAddr.Port)
	assert.True(t, info.VideoAddr.IP.Equal(info.AudioAddr.IP))

	// Idempotent.
	require.NoError(t, reg.RegisterUDP(host, 40001, 40002))
	again, _ := reg.ClientInfo(host)
	assert.Equal(t, info.VideoAddr.String(), again.VideoAddr.String())

	assert.ErrorIs(t, reg.RegisterUDP(pipeConn(t), 1, 2), ErrNotInMeeting)
}

func TestRelayTargets(t *testing.T) {
	reg := NewRegistry()
	host := pipeConn(t)
	guest := pipeConn(t)
	late := pipeConn(t)

	code, _ := reg.CreateMeeting(host, "H")
	for name, conn := range map[string]net.Conn{"G": guest, "L": late} {
		require.NoError(t, reg.RequestJoin(conn, code, name))
		target, _ := reg.FindWaitingByName(host, name)
		require.NoError(t, reg.AllowJoin(target))
	}
	require.NoError(t, reg.RegisterUDP(host, 41001, 41002))
	require.NoError(t, reg.RegisterUDP(guest, 42001, 42002))
	// "late" never registers; the relay must not reflect to nil endpoints.

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41001}

	video := reg.RelayTargets(src, wire.KindVideo)
	require.Len(t, video, 1)
	assert.Equal(t, 42001, video[0].Port)

	audio := reg.RelayTargets(src, wire.KindAudio)
	require.Len(t, audio, 1)
	assert.Equal(t, 42002, audio[0].Port)

	// The sender's own endpoint never appears in the fan-out.
	for _, ep := range append(video, audio...) {
		assert.NotEqual(t, 41001, ep.Port)
		assert.NotEqual(t, 41002, ep.Port)
	}

	// Unknown source IP matches no client.
	unknown := &net.UDPAddr{IP: net.IPv4(10, 9, 8, 7), Port: 1234}
	assert.Nil(t, reg.RelayTargets(unknown, wire.KindVideo))
}
