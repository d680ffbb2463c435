// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package wire defines the on-wire protocol of the meet conferencing core:
// length-prefixed JSON frames on the TCP control channel and fixed-layout
// binary headers on the UDP media channel.
package wire

import "time"

// Control channel message kinds, client to server.
const (
	MsgCreateMeeting = "CREATE_MEETING"
	MsgRequestJoin   = "REQUEST_JOIN"
	MsgAllowJoin     = "ALLOW_JOIN"
	MsgDenyJoin      = "DENY_JOIN"
	MsgChat          = "CHAT"
	MsgCameraStatus  = "CAMERA_STATUS"
	MsgFileStart     = "FILE_START"
	MsgFileChunk     = "FILE_CHUNK"
	MsgFileAck       = "FILE_ACK"
	MsgFileEnd       = "FILE_END"
	MsgVideoStats    = "VIDEO_STATS"
	MsgAudioStats    = "AUDIO_STATS"
	MsgLeave         = "LEAVE"
	MsgHeartbeat     = "HEARTBEAT"
	MsgRegisterUDP   = "REGISTER_UDP"
)

// Control channel message kinds, server to client.
const (
	MsgMeetingCreated         = "MEETING_CREATED"
	MsgJoinPending            = "JOIN_PENDING"
	MsgJoinAccepted           = "JOIN_ACCEPTED"
	MsgJoinRejected           = "JOIN_REJECTED"
	MsgNewJoinRequest         = "NEW_JOIN_REQUEST"
	MsgParticipantJoined      = "PARTICIPANT_JOINED"
	MsgParticipantLeft        = "PARTICIPANT_LEFT"
	MsgChatBroadcast          = "CHAT_BROADCAST"
	MsgCameraStatusBroadcast  = "CAMERA_STATUS_BROADCAST"
	MsgFileStartNotify        = "FILE_START_NOTIFY"
	MsgFileChunkForward       = "FILE_CHUNK_FORWARD"
	MsgFileEndNotify          = "FILE_END_NOTIFY"
	MsgHeartbeatAck           = "HEARTBEAT_ACK"
)

// TargetEveryone is the chat/file target sentinel for a public fan-out.
const TargetEveryone = "Everyone"

// Message is a single control-channel frame body. Type selects the kind,
// the remaining fields are populated per kind and omitted otherwise.
type Message struct {
	Type string `json:"type"`

	// Identity and meeting lifecycle.
	Name            string `json:"name,omitempty"`
	MeetingCode     string `json:"meeting_code,omitempty"`
	ClientName      string `json:"client_name,omitempty"`
	ParticipantName string `json:"participant_name,omitempty"`
	IsHost          bool   `json:"is_host,omitempty"`
	Reason          string `json:"reason,omitempty"`

	// Chat.
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"message,omitempty"`
	TargetName string `json:"target_name,omitempty"`
	IsPrivate  bool   `json:"is_private,omitempty"`

	// Camera toggle.
	Enabled bool `json:"enabled,omitempty"`

	// File transfer.
	Filename  string `json:"filename,omitempty"`
	Filesize  int64  `json:"filesize,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	ChunkID   int    `json:"chunk_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Checksum  string `json:"checksum,omitempty"`

	// Telemetry and liveness.
	Loss      float64 `json:"loss,omitempty"`
	RTT       float64 `json:"rtt,omitempty"`
	FPSRecv   float64 `json:"fps_recv,omitempty"`
	Bitrate   float64 `json:"bitrate,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`

	// UDP endpoint registration.
	VideoPort int `json:"video_port,omitempty"`
	AudioPort int `json:"audio_port,omitempty"`
}

// Defaults for the network surface.
const (
	DefaultTCPPort = 5000
	DefaultUDPPort = 5001
)

// Audio stream parameters. Payloads are raw 16-bit signed little-endian PCM.
const (
	AudioSampleRate   = 16000
	AudioChannels     = 1
	AudioChunkSamples = 1024
	AudioSampleBytes  = 2
	AudioChunkBytes   = AudioChunkSamples * AudioSampleBytes
)

// AudioChunkDuration is the wall-clock length of one PCM chunk.
const AudioChunkDuration = time.Second * AudioChunkSamples / AudioSampleRate

// Reno congestion control constants for the file transfer overlay,
// in chunk units.
const (
	BaseChunkSize   = 8192
	InitialCwnd     = 1
	InitialSsthresh = 8
	MaxCwnd         = 64
)

// MinRTO lower-bounds the file transfer retransmission timeout.
const MinRTO = time.Second

// Stats loop parameters.
const (
	StatsInterval     = time.Second
	HeartbeatInterval = time.Second
	StatsHistorySize  = 60
)

// SequenceLossCeiling bounds how large a sequence gap is still accounted as
// packet loss. Larger jumps are treated as noise (restarted sender, garbage).
const SequenceLossCeiling = 1000
