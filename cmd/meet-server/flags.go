// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"flag"
	"fmt"
	"os"
)

type cliConfig struct {
	host     string
	tcpPort  int
	udpPort  int
	logLevel string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("meet-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.host, "host", "0.0.0.0", "Bind address for both control and media sockets")
	fs.IntVar(&cfg.tcpPort, "tcp-port", 5000, "TCP control channel port")
	fs.IntVar(&cfg.udpPort, "udp-port", 5001, "UDP media relay port")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}
	return cfg, nil
}
