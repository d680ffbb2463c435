// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/meet/wire"
)

// Control is the TCP control plane. One goroutine per connected client
// reads framed messages and dispatches them through a static table keyed by
// message type.
type Control struct {
	reg *Registry
	log *slog.Logger

	handlers map[string]func(net.Conn, *wire.Message)

	mu sync.Mutex
	// Per-conn write locks so a broadcast and a direct reply never
	// interleave inside one frame.
	writeLocks map[net.Conn]*sync.Mutex
	// Active file transfer originator per meeting code, for FILE_ACK
	// routing back to the sender.
	fileSenders map[string]net.Conn
}

func NewControl(reg *Registry, log *slog.Logger) *Control {
	c := &Control{
		reg:         reg,
		log:         log.With("component", "control"),
		writeLocks:  make(map[net.Conn]*sync.Mutex),
		fileSenders: make(map[string]net.Conn),
	}
	c.handlers = map[string]func(net.Conn, *wire.Message){
		wire.MsgCreateMeeting: c.onCreateMeeting,
		wire.MsgRequestJoin:   c.onRequestJoin,
		wire.MsgAllowJoin:     c.onAllowJoin,
		wire.MsgDenyJoin:      c.onDenyJoin,
		wire.MsgChat:          c.onChat,
		wire.MsgCameraStatus:  c.onCameraStatus,
		wire.MsgFileStart:     c.onFileStart,
		wire.MsgFileChunk:     c.onFileChunk,
		wire.MsgFileAck:       c.onFileAck,
		wire.MsgFileEnd:       c.onFileEnd,
		wire.MsgVideoStats:    c.onVideoStats,
		wire.MsgHeartbeat:     c.onHeartbeat,
		wire.MsgRegisterUDP:   c.onRegisterUDP,
		wire.MsgLeave:         c.onLeave,
	}
	return c
}

// HandleConn runs the per-connection receive loop until the peer closes or
// the read fails, then removes the client and closes the socket.
func (c *Control) HandleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	c.log.Info("client connected", "remote", remote)
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}

	c.mu.Lock()
	c.writeLocks[conn] = &sync.Mutex{}
	c.mu.Unlock()

	for {
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Info("control read ended", "remote", remote, "error", err)
			}
			break
		}
		h, ok := c.handlers[msg.Type]
		if !ok {
			c.log.Warn("unknown message type", "remote", remote, "type", msg.Type)
			continue
		}
		c.reg.Touch(conn)
		h(conn, msg)
	}

	c.disconnect(conn)
	c.log.Info("client disconnected", "remote", remote)
}

// disconnect removes the client from its meeting (publishing the departure)
// and releases the socket.
func (c *Control) disconnect(conn net.Conn) {
	c.publishLeave(conn)
	c.mu.Lock()
	delete(c.writeLocks, conn)
	c.mu.Unlock()
	conn.Close()
}

func (c *Control) publishLeave(conn net.Conn) {
	res, err := c.reg.Leave(conn)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.fileSenders[res.Code] == conn {
		delete(c.fileSenders, res.Code)
	}
	if res.MeetingClosed {
		delete(c.fileSenders, res.Code)
	}
	c.mu.Unlock()

	if !res.WasParticipant {
		return
	}
	left := &wire.Message{
		Type:            wire.MsgParticipantLeft,
		ParticipantName: res.Name,
		IsHost:          res.WasHost,
	}
	if res.MeetingClosed {
		c.log.Info("meeting closed", "code", res.Code, "host_left", res.WasHost)
		for _, other := range res.Expelled {
			c.send(other, left)
		}
		return
	}
	for _, other := range res.Remaining {
		c.send(other, left)
	}
}

// send writes one frame to conn under its write lock. A failure closes the
// socket; the conn's own handler loop then performs the leave.
func (c *Control) send(conn net.Conn, msg *wire.Message) {
	c.mu.Lock()
	lock, ok := c.writeLocks[conn]
	c.mu.Unlock()
	if !ok {
		return
	}

	lock.Lock()
	err := wire.WriteFrame(conn, msg)
	lock.Unlock()
	if err != nil {
		c.log.Warn("write failed, dropping client", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
	}
}

// broadcast serializes once per call and delivers to every participant of
// the meeting except the excluded conns. A failed recipient never aborts
// delivery to the rest.
func (c *Control) broadcast(code string, msg *wire.Message, exclude ...net.Conn) {
	for _, conn := range c.reg.Participants(code) {
		if containsConn(exclude, conn) {
			continue
		}
		c.send(conn, msg)
	}
}

func (c *Control) onCreateMeeting(conn net.Conn, msg *wire.Message) {
	code, err := c.reg.CreateMeeting(conn, msg.Name)
	if err != nil {
		c.log.Warn("create meeting rejected", "error", err)
		return
	}
	c.log.Info("meeting created", "code", code, "host", msg.Name)
	c.send(conn, &wire.Message{Type: wire.MsgMeetingCreated, MeetingCode: code})
}

func (c *Control) onRequestJoin(conn net.Conn, msg *wire.Message) {
	dup := c.reg.HasParticipantName(msg.MeetingCode, msg.Name)
	if err := c.reg.RequestJoin(conn, msg.MeetingCode, msg.Name); err != nil {
		reason := "Meeting not found"
		if errors.Is(err, ErrAlreadyInMeeting) {
			reason = "Already in a meeting"
		}
		c.send(conn, &wire.Message{Type: wire.MsgJoinRejected, Reason: reason})
		return
	}
	c.log.Info("join requested", "code", msg.MeetingCode, "name", msg.Name)

	if host := c.reg.Host(msg.MeetingCode); host != nil {
		c.send(host, &wire.Message{Type: wire.MsgNewJoinRequest, ClientName: msg.Name})
	}
	pending := "Join request sent to host"
	if dup {
		pending = fmt.Sprintf("Join request sent to host. Warning: the name %q is already taken in this meeting", msg.Name)
	}
	c.send(conn, &wire.Message{Type: wire.MsgJoinPending, Text: pending})
}

func (c *Control) onAllowJoin(conn net.Conn, msg *wire.Message) {
	if !c.isHost(conn) {
		c.log.Warn("allow join from non-host ignored")
		return
	}
	target, ok := c.reg.FindWaitingByName(conn, msg.ClientName)
	if !ok {
		c.log.Warn("allow join: no such waiting client", "name", msg.ClientName)
		return
	}
	if err := c.reg.AllowJoin(target); err != nil {
		c.log.Warn("allow join failed", "name", msg.ClientName, "error", err)
		return
	}
	info, _ := c.reg.ClientInfo(target)
	c.log.Info("participant admitted", "code", info.Meeting, "name", info.Name)

	c.send(target, &wire.Message{Type: wire.MsgJoinAccepted})
	c.broadcast(info.Meeting, &wire.Message{
		Type:            wire.MsgParticipantJoined,
		ParticipantName: info.Name,
		IsHost:          false,
	})
}

func (c *Control) onDenyJoin(conn net.Conn, msg *wire.Message) {
	if !c.isHost(conn) {
		c.log.Warn("deny join from non-host ignored")
		return
	}
	target, ok := c.reg.FindWaitingByName(conn, msg.ClientName)
	if !ok {
		c.log.Warn("deny join: no such waiting client", "name", msg.ClientName)
		return
	}
	if err := c.reg.DenyJoin(target); err != nil {
		return
	}
	c.send(target, &wire.Message{Type: wire.MsgJoinRejected, Reason: "Host denied your request"})
}

func (c *Control) onChat(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		c.log.Warn("chat from client outside any meeting ignored")
		return
	}
	out := &wire.Message{
		Type:       wire.MsgChatBroadcast,
		SenderName: info.Name,
		Text:       msg.Text,
	}
	if msg.TargetName == "" || msg.TargetName == wire.TargetEveryone {
		c.broadcast(info.Meeting, out, conn)
		return
	}
	out.IsPrivate = true
	if target, ok := c.reg.FindParticipantByName(info.Meeting, msg.TargetName); ok {
		c.send(target, out)
	}
}

func (c *Control) onCameraStatus(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		return
	}
	c.reg.SetCamera(conn, msg.Enabled)
	c.broadcast(info.Meeting, &wire.Message{
		Type:            wire.MsgCameraStatusBroadcast,
		ParticipantName: info.Name,
		Enabled:         msg.Enabled,
	}, conn)
}

func (c *Control) onFileStart(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		return
	}
	c.mu.Lock()
	c.fileSenders[info.Meeting] = conn
	c.mu.Unlock()

	c.log.Info("file transfer started", "code", info.Meeting, "sender", info.Name,
		"filename", msg.Filename, "filesize", msg.Filesize)
	c.forwardFile(conn, info, &wire.Message{
		Type:       wire.MsgFileStartNotify,
		SenderName: info.Name,
		Filename:   msg.Filename,
		Filesize:   msg.Filesize,
		ChunkSize:  msg.ChunkSize,
	}, msg.TargetName)
}

func (c *Control) onFileChunk(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		return
	}
	c.forwardFile(conn, info, &wire.Message{
		Type:       wire.MsgFileChunkForward,
		SenderName: info.Name,
		ChunkID:    msg.ChunkID,
		Data:       msg.Data,
	}, msg.TargetName)
}

func (c *Control) onFileEnd(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		return
	}
	c.forwardFile(conn, info, &wire.Message{
		Type:       wire.MsgFileEndNotify,
		SenderName: info.Name,
		Checksum:   msg.Checksum,
	}, msg.TargetName)
}

// forwardFile delivers a file message to the addressed participant, or to
// everyone else in the meeting when the target is the public sentinel. The
// server never inspects or buffers chunk payloads.
func (c *Control) forwardFile(from net.Conn, info Client, out *wire.Message, target string) {
	if target == "" || target == wire.TargetEveryone {
		c.broadcast(info.Meeting, out, from)
		return
	}
	if conn, ok := c.reg.FindParticipantByName(info.Meeting, target); ok {
		c.send(conn, out)
	}
}

func (c *Control) onFileAck(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		return
	}
	c.mu.Lock()
	sender := c.fileSenders[info.Meeting]
	c.mu.Unlock()
	if sender == nil || sender == conn {
		return
	}
	c.send(sender, &wire.Message{Type: wire.MsgFileAck, ChunkID: msg.ChunkID})
}

func (c *Control) onVideoStats(conn net.Conn, msg *wire.Message) {
	info, ok := c.participantInfo(conn)
	if !ok {
		return
	}
	// Telemetry only; the server takes no action on it.
	c.log.Debug("video stats",
		"name", info.Name,
		"loss", msg.Loss,
		"rtt", msg.RTT,
		"fps_recv", msg.FPSRecv,
		"bitrate", msg.Bitrate,
	)
}

func (c *Control) onHeartbeat(conn net.Conn, msg *wire.Message) {
	c.send(conn, &wire.Message{Type: wire.MsgHeartbeatAck, Timestamp: msg.Timestamp})
}

func (c *Control) onRegisterUDP(conn net.Conn, msg *wire.Message) {
	if err := c.reg.RegisterUDP(conn, msg.VideoPort, msg.AudioPort); err != nil {
		c.log.Warn("register udp failed", "error", err)
		return
	}
	c.log.Info("udp endpoints registered",
		"remote", conn.RemoteAddr().String(),
		"video_port", msg.VideoPort,
		"audio_port", msg.AudioPort,
	)
}

func (c *Control) onLeave(conn net.Conn, _ *wire.Message) {
	c.publishLeave(conn)
}

func (c *Control) isHost(conn net.Conn) bool {
	info, ok := c.reg.ClientInfo(conn)
	return ok && info.IsHost
}

// participantInfo returns the client record when conn is an admitted
// participant of a live meeting.
func (c *Control) participantInfo(conn net.Conn) (Client, bool) {
	info, ok := c.reg.ClientInfo(conn)
	if !ok || info.Meeting == "" || info.Waiting {
		return Client{}, false
	}
	return info, true
}

// closeAll force-closes every tracked connection, unblocking the handler
// loops during server shutdown.
func (c *Control) closeAll() {
	c.mu.Lock()
	conns := make([]net.Conn, 0, len(c.writeLocks))
	for conn := range c.writeLocks {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func containsConn(conns []net.Conn, conn net.Conn) bool {
	for _, c := range conns {
		if c == conn {
			return true
		}
	}
	return false
}
