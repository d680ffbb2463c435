// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package meet

import "github.com/emiago/meet/wire"

// Event is anything the session surfaces to the embedding UI. Events are
// delivered on a buffered channel; the network goroutines never touch UI
// code directly.
type Event interface{ event() }

// EventConnected fires after the control channel is established.
type EventConnected struct{}

// EventDisconnected fires when the control channel is gone, either by
// Close or a dead server. Err is nil on a local close.
type EventDisconnected struct{ Err error }

// EventMeetingCreated carries the new meeting's join code (host side).
type EventMeetingCreated struct{ Code string }

// EventJoinPending means the join request reached the host's waiting
// room. Info may carry a server notice, such as a duplicate-name warning.
type EventJoinPending struct{ Info string }

type EventJoinAccepted struct{}

type EventJoinRejected struct{ Reason string }

// EventJoinRequest is raised on the host when someone asks to join.
type EventJoinRequest struct{ Name string }

type EventParticipantJoined struct {
	Name   string
	IsHost bool
}

// EventParticipantLeft also signals meeting teardown: when the host left,
// MeetingClosed is true and the session has already dropped to the
// connected state.
type EventParticipantLeft struct {
	Name          string
	WasHost       bool
	MeetingClosed bool
}

type EventChat struct {
	Sender  string
	Text    string
	Private bool
	// Local is set on the echo of this client's own private messages.
	Local bool
}

type EventCameraStatus struct {
	Name    string
	Enabled bool
}

// EventQualityChanged reports an adaptive tier switch.
type EventQualityChanged struct {
	From wire.Quality
	To   wire.Quality
}

// EventStats is the once-per-second network report.
type EventStats struct{ Stats NetworkStats }

// EventFileOffered announces an incoming transfer.
type EventFileOffered struct {
	Sender   string
	Filename string
	Size     int64
}

// EventFileReceived fires when FILE_END arrived and the checksum was
// verified. On a mismatch OK is false and the file is kept on disk for
// inspection.
type EventFileReceived struct {
	Filename string
	Path     string
	OK       bool
}

// EventFileSent fires when the congestion-controlled send completed.
type EventFileSent struct {
	Filename string
	Chunks   int
}

// EventWarning carries recoverable oddities worth showing to the user.
type EventWarning struct{ Text string }

func (EventConnected) event()         {}
func (EventDisconnected) event()      {}
func (EventMeetingCreated) event()    {}
func (EventJoinPending) event()       {}
func (EventJoinAccepted) event()      {}
func (EventJoinRejected) event()      {}
func (EventJoinRequest) event()       {}
func (EventParticipantJoined) event() {}
func (EventParticipantLeft) event()   {}
func (EventChat) event()              {}
func (EventCameraStatus) event()      {}
func (EventQualityChanged) event()    {}
func (EventStats) event()             {}
func (EventFileOffered) event()       {}
func (EventFileReceived) event()      {}
func (EventFileSent) event()          {}
func (EventWarning) event()           {}
