// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package server implements the conference relay: the meeting registry,
// the TCP control plane and the UDP media relay.
package server

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/emiago/meet/wire"
)

var (
	ErrAlreadyInMeeting = errors.New("registry: client already bound to a meeting")
	ErrMeetingNotFound  = errors.New("registry: meeting not found")
	ErrNotInMeeting     = errors.New("registry: client not bound to any meeting")
	ErrNotWaiting       = errors.New("registry: client not in waiting room")
)

// Client is the registry record for one connected control socket.
type Client struct {
	conn net.Conn

	Name     string
	Meeting  string
	IsHost   bool
	Waiting  bool
	CameraOn bool
	LastSeen time.Time

	// Media receive endpoints, nil until REGISTER_UDP.
	VideoAddr *net.UDPAddr
	AudioAddr *net.UDPAddr
}

// Meeting holds one live meeting. Participant order is insertion order so
// iteration stays deterministic; the host is always participants[0] for as
// long as the meeting lives.
type Meeting struct {
	Code    string
	Created time.Time

	host         net.Conn
	participants []net.Conn
	waiting      []net.Conn
}

// Registry owns every Client and Meeting. One coarse mutex guards all of
// it; no operation performs I/O while holding the lock.
type Registry struct {
	mu       sync.Mutex
	meetings map[string]*Meeting
	clients  map[net.Conn]*Client
	rnd      *rand.Rand
}

func NewRegistry() *Registry {
	return &Registry{
		meetings: make(map[string]*Meeting),
		clients:  make(map[net.Conn]*Client),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateMeeting allocates a fresh six-digit code and installs conn as host
// and sole participant.
func (r *Registry) CreateMeeting(conn net.Conn, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[conn]; ok && c.Meeting != "" {
		return "", ErrAlreadyInMeeting
	}

	code := r.newCodeLocked()
	r.meetings[code] = &Meeting{
		Code:         code,
		Created:      time.Now(),
		host:         conn,
		participants: []net.Conn{conn},
	}
	r.clients[conn] = &Client{
		conn:     conn,
		Name:     name,
		Meeting:  code,
		IsHost:   true,
		CameraOn: true,
		LastSeen: time.Now(),
	}
	return code, nil
}

func (r *Registry) newCodeLocked() string {
	for {
		code := fmt.Sprintf("%06d", r.rnd.Intn(1000000))
		if _, live := r.meetings[code]; !live {
			return code
		}
	}
}

// RequestJoin attaches conn to the meeting's waiting room. Repeating the
// request is a no-op.
func (r *Registry) RequestJoin(conn net.Conn, code, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meetings[code]
	if !ok {
		return ErrMeetingNotFound
	}
	if c, bound := r.clients[conn]; bound && c.Meeting != "" {
		if c.Meeting == code && c.Waiting {
			return nil
		}
		return ErrAlreadyInMeeting
	}

	m.waiting = append(m.waiting, conn)
	r.clients[conn] = &Client{
		conn:     conn,
		Name:     name,
		Meeting:  code,
		Waiting:  true,
		CameraOn: true,
		LastSeen: time.Now(),
	}
	return nil
}

// AllowJoin promotes a waiting conn to participant.
func (r *Registry) AllowJoin(conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok || !c.Waiting {
		return ErrNotWaiting
	}
	m, ok := r.meetings[c.Meeting]
	if !ok {
		return ErrMeetingNotFound
	}
	m.waiting = removeConn(m.waiting, conn)
	m.participants = append(m.participants, conn)
	c.Waiting = false
	return nil
}

// DenyJoin discards a waiting conn's record. The socket stays connected
// and unassigned.
func (r *Registry) DenyJoin(conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok || !c.Waiting {
		return ErrNotWaiting
	}
	if m, live := r.meetings[c.Meeting]; live {
		m.waiting = removeConn(m.waiting, conn)
	}
	delete(r.clients, conn)
	return nil
}

// LeaveResult is the snapshot the control handler needs to publish
// departures without re-entering the registry lock.
type LeaveResult struct {
	Name           string
	Code           string
	WasHost        bool
	WasParticipant bool
	MeetingClosed  bool

	// Remaining participants after a clean (non-closing) departure.
	Remaining []net.Conn
	// Conns purged because the meeting closed (participants and waiting,
	// excluding the leaver). Their sockets stay open, unassigned.
	Expelled []net.Conn
}

// Leave removes conn from its meeting per the lifecycle rules: host leave
// or participant drain destroys the meeting and purges every remaining
// record for it.
func (r *Registry) Leave(conn net.Conn) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok || c.Meeting == "" {
		delete(r.clients, conn)
		return LeaveResult{}, ErrNotInMeeting
	}

	res := LeaveResult{
		Name:           c.Name,
		Code:           c.Meeting,
		WasHost:        c.IsHost,
		WasParticipant: !c.Waiting,
	}
	delete(r.clients, conn)

	m, live := r.meetings[c.Meeting]
	if !live {
		return res, nil
	}
	m.participants = removeConn(m.participants, conn)
	m.waiting = removeConn(m.waiting, conn)

	if c.IsHost || len(m.participants) == 0 {
		res.MeetingClosed = true
		res.Expelled = append(append([]net.Conn{}, m.participants...), m.waiting...)
		for _, other := range res.Expelled {
			delete(r.clients, other)
		}
		delete(r.meetings, m.Code)
		return res, nil
	}

	res.Remaining = append([]net.Conn{}, m.participants...)
	return res, nil
}

// RegisterUDP binds the client's media receive endpoints using the control
// socket's peer IP. Idempotent.
func (r *Registry) RegisterUDP(conn net.Conn, videoPort, audioPort int) error {
	ip := peerIP(conn)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[conn]
	if !ok {
		return ErrNotInMeeting
	}
	c.VideoAddr = &net.UDPAddr{IP: ip, Port: videoPort}
	c.AudioAddr = &net.UDPAddr{IP: ip, Port: audioPort}
	return nil
}

func peerIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	// Pipes and fakes in tests have no TCP peer address.
	return net.IPv4(127, 0, 0, 1)
}

// SetCamera records the client's last announced camera state.
func (r *Registry) SetCamera(conn net.Conn, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[conn]; ok {
		c.CameraOn = enabled
	}
}

// Touch refreshes the client's liveness timestamp.
func (r *Registry) Touch(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[conn]; ok {
		c.LastSeen = time.Now()
	}
}

// ClientInfo returns a copy of the client record.
func (r *Registry) ClientInfo(conn net.Conn) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[conn]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Participants returns the meeting's participant conns in insertion order.
func (r *Registry) Participants(code string) []net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meetings[code]
	if !ok {
		return nil
	}
	return append([]net.Conn{}, m.participants...)
}

// Host returns the meeting's host conn, or nil.
func (r *Registry) Host(code string) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meetings[code]; ok {
		return m.host
	}
	return nil
}

// WaitingNames lists the display names currently in the waiting room.
func (r *Registry) WaitingNames(code string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meetings[code]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(m.waiting))
	for _, conn := range m.waiting {
		if c, ok := r.clients[conn]; ok {
			names = append(names, c.Name)
		}
	}
	return names
}

// FindWaitingByName resolves an ALLOW_JOIN/DENY_JOIN target: the first
// waiting client of the host's meeting with the given display name.
func (r *Registry) FindWaitingByName(hostConn net.Conn, name string) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.clients[hostConn]
	if !ok || host.Meeting == "" {
		return nil, false
	}
	m, ok := r.meetings[host.Meeting]
	if !ok {
		return nil, false
	}
	for _, conn := range m.waiting {
		if c, ok := r.clients[conn]; ok && c.Name == name {
			return conn, true
		}
	}
	return nil, false
}

// FindParticipantByName resolves a chat or file target inside code's
// meeting.
func (r *Registry) FindParticipantByName(code, name string) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meetings[code]
	if !ok {
		return nil, false
	}
	for _, conn := range m.participants {
		if c, ok := r.clients[conn]; ok && c.Name == name {
			return conn, true
		}
	}
	return nil, false
}

// HasParticipantName reports whether a display name is already taken in the
// meeting, used to warn about duplicate names at join time.
func (r *Registry) HasParticipantName(code, name string) bool {
	_, ok := r.FindParticipantByName(code, name)
	return ok
}

// identifyMediaSourceLocked matches a datagram source address against
// registered endpoints: exact (ip, port) first, then first IP-only match in
// meeting insertion order. The fallback is known-ambiguous when several
// clients share a host; see the relay notes.
func (r *Registry) identifyMediaSourceLocked(src *net.UDPAddr) (net.Conn, *Client) {
	var ipConn net.Conn
	var ipClient *Client
	for _, m := range r.meetings {
		for _, conn := range m.participants {
			c, ok := r.clients[conn]
			if !ok {
				continue
			}
			for _, ep := range []*net.UDPAddr{c.VideoAddr, c.AudioAddr} {
				if ep == nil || !ep.IP.Equal(src.IP) {
					continue
				}
				if ep.Port == src.Port {
					return conn, c
				}
				if ipConn == nil {
					ipConn, ipClient = conn, c
				}
			}
		}
	}
	return ipConn, ipClient
}

// RelayTargets identifies the datagram's sender and returns the media
// endpoints of every other participant in the sender's meeting, picking the
// video or audio endpoint by kind. Unregistered (nil) endpoints are
// skipped.
func (r *Registry) RelayTargets(src *net.UDPAddr, kind wire.DatagramKind) []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()

	senderConn, sender := r.identifyMediaSourceLocked(src)
	if sender == nil {
		return nil
	}
	m, ok := r.meetings[sender.Meeting]
	if !ok {
		return nil
	}
	targets := make([]*net.UDPAddr, 0, len(m.participants))
	for _, conn := range m.participants {
		if conn == senderConn {
			continue
		}
		c, ok := r.clients[conn]
		if !ok {
			continue
		}
		ep := c.VideoAddr
		if kind == wire.KindAudio {
			ep = c.AudioAddr
		}
		if ep != nil {
			targets = append(targets, ep)
		}
	}
	return targets
}

// MeetingCount reports live meetings, for logging and tests.
func (r *Registry) MeetingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.meetings)
}

func removeConn(conns []net.Conn, conn net.Conn) []net.Conn {
	for i, c := range conns {
		if c == conn {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}
