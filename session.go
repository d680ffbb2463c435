// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package meet is the client core of the conferencing system: a session
// state machine over the TCP control channel, UDP media engines, an
// adaptive quality loop and congestion-controlled file transfer.
//
// The package is UI-agnostic. Devices and codecs come in through the
// media source/sink interfaces, everything the user should see goes out
// on the event channel.
package meet

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/meet/audio"
	"github.com/emiago/meet/media"
	"github.com/emiago/meet/wire"
)

// State is the session lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateWaiting
	StateInMeeting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateWaiting:
		return "waiting"
	case StateInMeeting:
		return "in_meeting"
	}
	return "unknown"
}

const (
	dialTimeout        = 10 * time.Second
	joinPendingTimeout = 5 * time.Second
	joinDecideTimeout  = 30 * time.Second
	createTimeout      = 5 * time.Second
)

// Session drives one client against the server. Zero or one meeting at a
// time; all methods are safe for concurrent use.
type Session struct {
	name    string
	host    string
	tcpPort int
	udpPort int
	log     *slog.Logger

	camera   media.FrameSource
	encoder  media.VideoEncoder
	decoder  media.VideoDecoder
	display  media.FrameSink
	preview  media.FrameSink
	mic      media.AudioSource
	speaker  media.AudioSink
	dropRate float64

	downloadsDir string
	cameraOn     bool
	eventBuf     int

	conn    net.Conn
	state   atomic.Int32
	closed  atomic.Bool
	events  chan Event
	writeMu sync.Mutex

	waitersMu sync.Mutex
	waiters   []*waiter

	recvDone chan struct{}

	meetingMu   sync.Mutex
	meetingCode string
	videoRecv   *media.VideoReceiver
	audioRecv   *media.AudioReceiver
	videoSend   *media.VideoSender
	audioSend   *media.AudioSender
	stats       *statsLoop
	fileRecv    *FileReceiver
	recorder    *audio.Recorder

	fileAckMu sync.Mutex
	fileAcks  chan int
}

type waiter struct {
	types map[string]bool
	ch    chan *wire.Message
}

// SessionOption customizes a Session before Connect.
type SessionOption func(*Session)

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

func WithTCPPort(port int) SessionOption {
	return func(s *Session) { s.tcpPort = port }
}

func WithUDPPort(port int) SessionOption {
	return func(s *Session) { s.udpPort = port }
}

// WithVideoIO plugs in the camera pipeline. source/encoder enable
// sending, decoder/display enable rendering of received frames; any of
// them may be nil.
func WithVideoIO(source media.FrameSource, encoder media.VideoEncoder, decoder media.VideoDecoder, display media.FrameSink) SessionOption {
	return func(s *Session) {
		s.camera = source
		s.encoder = encoder
		s.decoder = decoder
		s.display = display
	}
}

// WithPreview mirrors captured frames locally before encoding.
func WithPreview(sink media.FrameSink) SessionOption {
	return func(s *Session) { s.preview = sink }
}

// WithAudioIO plugs in microphone and speaker; either may be nil.
func WithAudioIO(mic media.AudioSource, speaker media.AudioSink) SessionOption {
	return func(s *Session) {
		s.mic = mic
		s.speaker = speaker
	}
}

// WithSimulatedLoss drops the given fraction of outgoing media datagrams
// before the socket, for testing adaptation.
func WithSimulatedLoss(rate float64) SessionOption {
	return func(s *Session) { s.dropRate = rate }
}

func WithDownloadsDir(dir string) SessionOption {
	return func(s *Session) { s.downloadsDir = dir }
}

// WithCamera sets the initial camera toggle.
func WithCamera(on bool) SessionOption {
	return func(s *Session) { s.cameraOn = on }
}

func WithEventBuffer(n int) SessionOption {
	return func(s *Session) { s.eventBuf = n }
}

func NewSession(name, serverHost string, opts ...SessionOption) *Session {
	s := &Session{
		name:         name,
		host:         serverHost,
		tcpPort:      wire.DefaultTCPPort,
		udpPort:      wire.DefaultUDPPort,
		downloadsDir: "downloads",
		cameraOn:     true,
		eventBuf:     128,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "session", "name", name)
	s.events = make(chan Event, s.eventBuf)
	s.recvDone = make(chan struct{})
	return s
}

// Events is the UI-facing event stream. Slow consumers lose events rather
// than stall the network loops.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Name() string { return s.name }

// MeetingCode is the active meeting's code, empty outside a meeting.
func (s *Session) MeetingCode() string {
	s.meetingMu.Lock()
	defer s.meetingMu.Unlock()
	return s.meetingCode
}

// Connect dials the control channel and starts the receive loop.
func (s *Session) Connect() error {
	if s.State() != StateDisconnected {
		return fmt.Errorf("already connected")
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.tcpPort)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial control %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	s.conn = conn
	s.state.Store(int32(StateConnected))
	s.log.Info("connected", "server", addr)
	s.emit(EventConnected{})

	go s.receiveLoop()
	return nil
}

func (s *Session) receiveLoop() {
	var readErr error
	for {
		msg, err := wire.ReadFrame(s.conn)
		if err != nil {
			readErr = err
			break
		}
		if s.deliverToWaiter(msg) {
			continue
		}
		s.handle(msg)
	}

	s.teardownMeeting()
	s.state.Store(int32(StateDisconnected))
	close(s.recvDone)

	if s.closed.Load() {
		s.emit(EventDisconnected{})
	} else {
		s.log.Warn("control channel lost", "error", readErr)
		s.emit(EventDisconnected{Err: readErr})
	}
}

// deliverToWaiter hands the frame to the oldest waiter interested in its
// type.
func (s *Session) deliverToWaiter(msg *wire.Message) bool {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	for i, w := range s.waiters {
		if w.types[msg.Type] {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			w.ch <- msg
			return true
		}
	}
	return false
}

// addWaiter registers interest in the next frame of one of the given
// types. Register before sending the request, so a fast reply cannot slip
// past.
func (s *Session) addWaiter(types ...string) *waiter {
	w := &waiter{types: map[string]bool{}, ch: make(chan *wire.Message, 1)}
	for _, t := range types {
		w.types[t] = true
	}
	s.waitersMu.Lock()
	s.waiters = append(s.waiters, w)
	s.waitersMu.Unlock()
	return w
}

func (s *Session) removeWaiter(w *waiter) {
	s.waitersMu.Lock()
	for i, o := range s.waiters {
		if o == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.waitersMu.Unlock()
}

func (s *Session) await(w *waiter, timeout time.Duration) (*wire.Message, error) {
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out")
	case <-s.recvDone:
		return nil, fmt.Errorf("connection closed")
	}
}

func (s *Session) handle(msg *wire.Message) {
	switch msg.Type {
	case wire.MsgNewJoinRequest:
		s.emit(EventJoinRequest{Name: msg.ClientName})

	case wire.MsgParticipantJoined:
		s.emit(EventParticipantJoined{Name: msg.ParticipantName, IsHost: msg.IsHost})

	case wire.MsgParticipantLeft:
		meetingClosed := msg.IsHost
		if meetingClosed && s.State() == StateInMeeting {
			s.teardownMeeting()
			s.state.Store(int32(StateConnected))
		}
		s.emit(EventParticipantLeft{Name: msg.ParticipantName, WasHost: msg.IsHost, MeetingClosed: meetingClosed})

	case wire.MsgChatBroadcast:
		s.emit(EventChat{Sender: msg.SenderName, Text: msg.Text, Private: msg.IsPrivate})

	case wire.MsgCameraStatusBroadcast:
		s.emit(EventCameraStatus{Name: msg.ParticipantName, Enabled: msg.Enabled})

	case wire.MsgHeartbeatAck:
		s.meetingMu.Lock()
		sl := s.stats
		s.meetingMu.Unlock()
		if sl != nil {
			sl.noteHeartbeatAck(msg.Timestamp)
		}

	case wire.MsgFileStartNotify:
		fr := s.fileReceiver()
		if fr == nil {
			return
		}
		if err := fr.HandleStart(msg); err != nil {
			s.emit(EventWarning{Text: fmt.Sprintf("incoming file rejected: %v", err)})
			return
		}
		s.emit(EventFileOffered{Sender: msg.SenderName, Filename: msg.Filename, Size: msg.Filesize})

	case wire.MsgFileChunkForward:
		fr := s.fileReceiver()
		if fr == nil {
			return
		}
		if err := fr.HandleChunk(msg); err != nil {
			s.log.Warn("file chunk failed", "chunk", msg.ChunkID, "error", err)
		}

	case wire.MsgFileEndNotify:
		fr := s.fileReceiver()
		if fr == nil {
			return
		}
		ev, err := fr.HandleEnd(msg)
		if err != nil {
			s.emit(EventWarning{Text: fmt.Sprintf("file receive failed: %v", err)})
			return
		}
		if !ev.OK {
			s.emit(EventWarning{Text: fmt.Sprintf("checksum mismatch on %s, file kept at %s", ev.Filename, ev.Path)})
		}
		s.emit(ev)

	case wire.MsgFileAck:
		s.fileAckMu.Lock()
		ch := s.fileAcks
		s.fileAckMu.Unlock()
		if ch != nil {
			select {
			case ch <- msg.ChunkID:
			default:
				s.log.Warn("dropping file ack, sender not draining", "chunk", msg.ChunkID)
			}
		}

	default:
		s.log.Debug("unhandled message", "type", msg.Type)
	}
}

func (s *Session) fileReceiver() *FileReceiver {
	s.meetingMu.Lock()
	defer s.meetingMu.Unlock()
	return s.fileRecv
}

// engines snapshots the media engines for the stats loop.
func (s *Session) engines() (*media.VideoReceiver, *media.VideoSender) {
	s.meetingMu.Lock()
	defer s.meetingMu.Unlock()
	return s.videoRecv, s.videoSend
}

// sendMsg writes one control frame under the write lock.
func (s *Session) sendMsg(msg *wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return wire.WriteFrame(s.conn, msg)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("event dropped, consumer lagging")
	}
}

// CreateMeeting asks the server for a meeting and enters it as host.
func (s *Session) CreateMeeting() (string, error) {
	if s.State() != StateConnected {
		return "", fmt.Errorf("cannot create a meeting in state %s", s.State())
	}
	w := s.addWaiter(wire.MsgMeetingCreated)
	defer s.removeWaiter(w)
	if err := s.sendMsg(&wire.Message{Type: wire.MsgCreateMeeting, Name: s.name}); err != nil {
		return "", err
	}
	msg, err := s.await(w, createTimeout)
	if err != nil {
		return "", fmt.Errorf("create meeting: %w", err)
	}
	s.emit(EventMeetingCreated{Code: msg.MeetingCode})
	if err := s.enterMeeting(msg.MeetingCode); err != nil {
		return "", err
	}
	return msg.MeetingCode, nil
}

// JoinMeeting requests entry and blocks through the waiting room until
// the host decides or the wait times out.
func (s *Session) JoinMeeting(code string) error {
	if s.State() != StateConnected {
		return fmt.Errorf("cannot join in state %s", s.State())
	}
	// Both waiters go in up front: the host may decide before the pending
	// notice is even processed here. The rejection, if any, matches the
	// older waiter first.
	wPending := s.addWaiter(wire.MsgJoinPending, wire.MsgJoinRejected)
	defer s.removeWaiter(wPending)
	wDecide := s.addWaiter(wire.MsgJoinAccepted, wire.MsgJoinRejected)
	defer s.removeWaiter(wDecide)

	if err := s.sendMsg(&wire.Message{Type: wire.MsgRequestJoin, MeetingCode: code, Name: s.name}); err != nil {
		return err
	}
	msg, err := s.await(wPending, joinPendingTimeout)
	if err != nil {
		return fmt.Errorf("join request: %w", err)
	}
	if msg.Type == wire.MsgJoinRejected {
		s.emit(EventJoinRejected{Reason: msg.Reason})
		return fmt.Errorf("join rejected: %s", msg.Reason)
	}
	s.state.Store(int32(StateWaiting))
	s.emit(EventJoinPending{Info: msg.Text})

	msg, err = s.await(wDecide, joinDecideTimeout)
	if err != nil {
		s.state.Store(int32(StateConnected))
		return fmt.Errorf("waiting room: %w", err)
	}
	if msg.Type == wire.MsgJoinRejected {
		s.state.Store(int32(StateConnected))
		s.emit(EventJoinRejected{Reason: msg.Reason})
		return fmt.Errorf("join rejected: %s", msg.Reason)
	}
	s.emit(EventJoinAccepted{})
	return s.enterMeeting(code)
}

// enterMeeting starts the media engines and the stats loop, then
// registers the UDP endpoints and announces the camera state.
func (s *Session) enterMeeting(code string) error {
	relayIP, err := net.ResolveIPAddr("ip", s.host)
	if err != nil {
		return fmt.Errorf("resolve relay host: %w", err)
	}
	relayAddr := &net.UDPAddr{IP: relayIP.IP, Port: s.udpPort}

	videoRecv, err := media.NewVideoReceiver(s.decoder, s.display, s.log)
	if err != nil {
		return err
	}
	audioRecv, err := media.NewAudioReceiver(s.speaker, s.log)
	if err != nil {
		videoRecv.Close()
		return err
	}
	go videoRecv.Run()
	go audioRecv.Run()
	go audioRecv.Playback()

	var videoSend *media.VideoSender
	if s.camera != nil && s.encoder != nil {
		videoSend, err = media.NewVideoSender(media.VideoSenderConfig{
			Source:    s.camera,
			Encoder:   s.encoder,
			Preview:   s.preview,
			Conn:      videoRecv.Conn(),
			RelayAddr: relayAddr,
			Quality:   wire.Quality480p,
			DropRate:  s.dropRate,
			Logger:    s.log,
		})
		if err != nil {
			videoRecv.Close()
			audioRecv.Close()
			return err
		}
		videoSend.SetPaused(!s.cameraOn)
		go videoSend.Run()
	}

	var audioSend *media.AudioSender
	if s.mic != nil {
		audioSend, err = media.NewAudioSender(media.AudioSenderConfig{
			Source:    s.mic,
			Conn:      audioRecv.Conn(),
			RelayAddr: relayAddr,
			DropRate:  s.dropRate,
			Logger:    s.log,
		})
		if err != nil {
			if videoSend != nil {
				videoSend.Stop()
			}
			videoRecv.Close()
			audioRecv.Close()
			return err
		}
		go audioSend.Run()
	}

	s.meetingMu.Lock()
	s.meetingCode = code
	s.videoRecv = videoRecv
	s.audioRecv = audioRecv
	s.videoSend = videoSend
	s.audioSend = audioSend
	s.fileRecv = NewFileReceiver(s.downloadsDir, s.sendMsg, s.log)
	s.stats = newStatsLoop(s)
	s.meetingMu.Unlock()

	go s.stats.run()
	s.state.Store(int32(StateInMeeting))
	s.log.Info("entered meeting", "code", code,
		"video_port", videoRecv.Port(), "audio_port", audioRecv.Port())

	if err := s.sendMsg(&wire.Message{
		Type:      wire.MsgRegisterUDP,
		VideoPort: videoRecv.Port(),
		AudioPort: audioRecv.Port(),
	}); err != nil {
		return err
	}
	return s.sendMsg(&wire.Message{
		Type:    wire.MsgCameraStatus,
		Enabled: s.cameraOn && videoSend != nil,
	})
}

// teardownMeeting stops every meeting-scoped loop. Safe to call when no
// meeting is active.
func (s *Session) teardownMeeting() {
	s.meetingMu.Lock()
	code := s.meetingCode
	videoRecv, audioRecv := s.videoRecv, s.audioRecv
	videoSend, audioSend := s.videoSend, s.audioSend
	stats := s.stats
	recorder := s.recorder
	s.meetingCode = ""
	s.videoRecv, s.audioRecv = nil, nil
	s.videoSend, s.audioSend = nil, nil
	s.stats = nil
	s.fileRecv = nil
	s.recorder = nil
	s.meetingMu.Unlock()

	if stats != nil {
		stats.shutdown()
	}
	if videoSend != nil {
		videoSend.Stop()
	}
	if audioSend != nil {
		audioSend.Stop()
	}
	if videoRecv != nil {
		videoRecv.Close()
	}
	if audioRecv != nil {
		audioRecv.Close()
	}
	if recorder != nil {
		recorder.Close()
	}
	if code != "" {
		s.log.Info("left meeting", "code", code)
	}
}

// AllowParticipant admits a waiting client (host only; the server
// enforces it).
func (s *Session) AllowParticipant(name string) error {
	return s.sendMsg(&wire.Message{Type: wire.MsgAllowJoin, ClientName: name})
}

func (s *Session) DenyParticipant(name string) error {
	return s.sendMsg(&wire.Message{Type: wire.MsgDenyJoin, ClientName: name})
}

// SendChat sends to everyone or, with a participant name, privately.
// Private messages are echoed locally since the server does not loop them
// back.
func (s *Session) SendChat(text, target string) error {
	if s.State() != StateInMeeting {
		return fmt.Errorf("not in a meeting")
	}
	if target == "" {
		target = wire.TargetEveryone
	}
	if err := s.sendMsg(&wire.Message{Type: wire.MsgChat, Text: text, TargetName: target}); err != nil {
		return err
	}
	if target != wire.TargetEveryone {
		s.emit(EventChat{Sender: s.name, Text: text, Private: true, Local: true})
	}
	return nil
}

// SetCamera toggles outgoing video and announces the state.
func (s *Session) SetCamera(on bool) error {
	s.meetingMu.Lock()
	s.cameraOn = on
	vs := s.videoSend
	s.meetingMu.Unlock()
	if vs != nil {
		vs.SetPaused(!on)
	}
	if s.State() != StateInMeeting {
		return nil
	}
	return s.sendMsg(&wire.Message{Type: wire.MsgCameraStatus, Enabled: on && vs != nil})
}

// SetMuted toggles the microphone.
func (s *Session) SetMuted(muted bool) {
	s.meetingMu.Lock()
	as := s.audioSend
	s.meetingMu.Unlock()
	if as != nil {
		as.SetMuted(muted)
	}
}

// SendFile transfers path to target ("Everyone" or a participant name),
// blocking until every chunk was acknowledged. One transfer at a time.
func (s *Session) SendFile(path, target string) error {
	if s.State() != StateInMeeting {
		return fmt.Errorf("not in a meeting")
	}
	if target == "" {
		target = wire.TargetEveryone
	}

	acks := make(chan int, wire.MaxCwnd*2)
	s.fileAckMu.Lock()
	if s.fileAcks != nil {
		s.fileAckMu.Unlock()
		return fmt.Errorf("a file transfer is already running")
	}
	s.fileAcks = acks
	s.fileAckMu.Unlock()
	defer func() {
		s.fileAckMu.Lock()
		s.fileAcks = nil
		s.fileAckMu.Unlock()
	}()

	fs, err := NewFileSender(path, target, s.sendMsg, acks, s.log)
	if err != nil {
		return err
	}
	if err := fs.Run(); err != nil {
		return err
	}
	s.emit(EventFileSent{Filename: fs.Filename, Chunks: fs.chunkCount()})
	return nil
}

// StartRecording tees received audio into a WAV file until
// StopRecording.
func (s *Session) StartRecording(path string) error {
	s.meetingMu.Lock()
	defer s.meetingMu.Unlock()
	if s.audioRecv == nil {
		return fmt.Errorf("not in a meeting")
	}
	if s.recorder != nil {
		return fmt.Errorf("already recording")
	}
	rec, err := audio.NewRecorder(path)
	if err != nil {
		return err
	}
	s.recorder = rec
	s.audioRecv.SetRecorder(rec)
	s.log.Info("recording started", "path", path)
	return nil
}

func (s *Session) StopRecording() error {
	s.meetingMu.Lock()
	rec := s.recorder
	s.recorder = nil
	if s.audioRecv != nil {
		s.audioRecv.SetRecorder(nil)
	}
	s.meetingMu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Close()
}

// Leave exits the meeting but keeps the control channel.
func (s *Session) Leave() error {
	if s.State() != StateInMeeting && s.State() != StateWaiting {
		return fmt.Errorf("not in a meeting")
	}
	err := s.sendMsg(&wire.Message{Type: wire.MsgLeave})
	s.teardownMeeting()
	s.state.Store(int32(StateConnected))
	return err
}

// Close tears everything down and drops the control channel.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.teardownMeeting()
	if s.conn != nil {
		s.conn.Close()
		<-s.recvDone
	}
	s.state.Store(int32(StateDisconnected))
}

// StatHistories exposes the bounded per-second series (loss %, RTT ms,
// bitrate kbps, received FPS) for plotting.
func (s *Session) StatHistories() (loss, rtt, bitrate, fps []float64) {
	s.meetingMu.Lock()
	sl := s.stats
	s.meetingMu.Unlock()
	if sl == nil {
		return nil, nil, nil, nil
	}
	return sl.histories()
}

// VideoStats aggregates the receive-side accounting, zero outside a
// meeting.
func (s *Session) VideoStats() media.FlowStats {
	s.meetingMu.Lock()
	vr := s.videoRecv
	s.meetingMu.Unlock()
	if vr == nil {
		return media.FlowStats{}
	}
	return vr.Stats()
}
