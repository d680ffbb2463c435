// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// meet-client is a headless conference client: it connects with synthetic
// camera and microphone sources, creates or joins a meeting, admits
// everyone when hosting and prints session events until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emiago/meet"
)

type cliConfig struct {
	server   string
	tcpPort  int
	udpPort  int
	name     string
	create   bool
	join     string
	camera   bool
	dropRate float64
	logLevel string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("meet-client", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.server, "server", "127.0.0.1", "Server host")
	fs.IntVar(&cfg.tcpPort, "tcp-port", 5000, "Server TCP control port")
	fs.IntVar(&cfg.udpPort, "udp-port", 5001, "Server UDP media port")
	fs.StringVar(&cfg.name, "name", "guest", "Display name")
	fs.BoolVar(&cfg.create, "create", false, "Create a meeting and host it")
	fs.StringVar(&cfg.join, "join", "", "Meeting code to join")
	fs.BoolVar(&cfg.camera, "camera", true, "Start with camera on")
	fs.Float64Var(&cfg.dropRate, "drop-rate", 0, "Simulated outgoing media loss in [0,1]")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.create == (cfg.join != "") {
		return nil, fmt.Errorf("exactly one of --create or --join is required")
	}
	if cfg.dropRate < 0 || cfg.dropRate > 1 {
		return nil, fmt.Errorf("drop-rate must be in [0,1]")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	switch cfg.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	session := meet.NewSession(cfg.name, cfg.server,
		meet.WithLogger(log),
		meet.WithTCPPort(cfg.tcpPort),
		meet.WithUDPPort(cfg.udpPort),
		meet.WithVideoIO(&syntheticCamera{}, scalingEncoder{}, rawDecoder{}, nil),
		meet.WithAudioIO(&toneMic{}, nullSpeaker{}),
		meet.WithCamera(cfg.camera),
		meet.WithSimulatedLoss(cfg.dropRate),
	)
	if err := session.Connect(); err != nil {
		log.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	if cfg.create {
		code, err := session.CreateMeeting()
		if err != nil {
			log.Error("create failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("meeting code: %s\n", code)
	} else {
		log.Info("joining", "code", cfg.join)
		if err := session.JoinMeeting(cfg.join); err != nil {
			log.Error("join failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, leaving")
			return
		case ev := <-session.Events():
			switch e := ev.(type) {
			case meet.EventJoinRequest:
				// Headless host policy: let everyone in.
				log.Info("admitting", "name", e.Name)
				session.AllowParticipant(e.Name)
			case meet.EventParticipantJoined:
				log.Info("participant joined", "name", e.Name)
			case meet.EventParticipantLeft:
				log.Info("participant left", "name", e.Name, "meeting_closed", e.MeetingClosed)
				if e.MeetingClosed {
					return
				}
			case meet.EventChat:
				log.Info("chat", "from", e.Sender, "private", e.Private, "text", e.Text)
			case meet.EventQualityChanged:
				log.Info("quality changed", "from", e.From.String(), "to", e.To.String())
			case meet.EventStats:
				log.Debug("stats",
					"loss_pct", fmt.Sprintf("%.1f", e.Stats.LossPct),
					"rtt_ms", fmt.Sprintf("%.1f", e.Stats.RTTMs),
					"recv_fps", fmt.Sprintf("%.1f", e.Stats.RecvFPS),
					"bitrate_kbps", fmt.Sprintf("%.0f", e.Stats.BitrateKbps),
					"quality", e.Stats.Quality.String(),
				)
			case meet.EventFileOffered:
				log.Info("incoming file", "from", e.Sender, "filename", e.Filename, "size", e.Size)
			case meet.EventFileReceived:
				log.Info("file received", "path", e.Path, "checksum_ok", e.OK)
			case meet.EventWarning:
				log.Warn(e.Text)
			case meet.EventDisconnected:
				if e.Err != nil {
					log.Error("disconnected", "error", e.Err)
					os.Exit(1)
				}
				return
			}
		}
	}
}
