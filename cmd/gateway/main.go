// Package main starts the realtime gateway and handles termination.
//
// The process owns the websocket surface, the update log, and session
// fan-out; everything else reaches it over the wire protocol.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	gatewaycmd "github.com/meridianchat/meridian/internal/cmd/gateway"
	"github.com/meridianchat/meridian/internal/platform/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := gatewaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gatewaycmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
