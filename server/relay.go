// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package server

import (
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/emiago/meet/wire"
)

// RelayBufSize must hold the largest media datagram (one JPEG frame plus
// header). 64 KiB covers the maximum UDP payload.
var RelayBufSize = 65535

// Relay is the UDP media plane: one receive loop that classifies each
// datagram and reflects it to the sender's meeting-mates. Fan-out happens
// inline in the loop; datagrams are never queued, a failed send drops the
// datagram for that recipient only.
type Relay struct {
	reg  *Registry
	conn *net.UDPConn
	log  *slog.Logger

	received atomic.Uint64
	relayed  atomic.Uint64
	dropped  atomic.Uint64
}

func NewRelay(reg *Registry, conn *net.UDPConn, log *slog.Logger) *Relay {
	return &Relay{
		reg:  reg,
		conn: conn,
		log:  log.With("component", "relay"),
	}
}

// Serve runs the receive loop until the socket is closed.
func (r *Relay) Serve() error {
	r.log.Info("udp relay listening", "addr", r.conn.LocalAddr().String())
	buf := make([]byte, RelayBufSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.received.Add(1)

		kind, err := wire.ClassifyDatagram(buf[:n])
		if err != nil {
			r.dropped.Add(1)
			r.log.Debug("dropping unclassifiable datagram", "src", src.String(), "len", n)
			continue
		}

		targets := r.reg.RelayTargets(src, kind)
		if len(targets) == 0 {
			r.dropped.Add(1)
			continue
		}
		for _, target := range targets {
			if _, err := r.conn.WriteToUDP(buf[:n], target); err != nil {
				r.log.Debug("relay send failed", "dst", target.String(), "error", err)
				continue
			}
			r.relayed.Add(1)
		}
	}
}

// Stats returns the relay's datagram counters: received, relayed, dropped.
func (r *Relay) Stats() (received, relayed, dropped uint64) {
	return r.received.Load(), r.relayed.Load(), r.dropped.Load()
}
