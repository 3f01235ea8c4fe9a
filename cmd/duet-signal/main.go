// Duet relay: the signaling server that pairs two call participants and
// forwards their handshake messages.
//
// Settings come from an optional YAML file (--config) and are overridden by
// flags given on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/session"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := pflag.NewFlagSet("duet-signal", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "YAML configuration file")
	listen := flags.StringP("listen", "l", "", "Address to listen on (default 127.0.0.1:8080)")
	path := flags.String("path", "", "WebSocket endpoint path (default /rtc)")
	onViolation := flags.String("on-violation", "", "Protocol violation policy: resync or close")
	statsInterval := flags.Duration("stats", 0, "Stats report interval, 0 keeps the configured value")
	debugMode := flags.Bool("debug", false, "Enable debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if flags.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	if flags.Changed("path") {
		cfg.Server.Path = *path
	}
	if flags.Changed("on-violation") {
		cfg.Server.OnViolation = config.ViolationPolicy(*onViolation)
	}
	if flags.Changed("stats") {
		cfg.Server.StatsInterval = *statsInterval
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	if err := cfg.Server.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Duet relay v%s", version))
	pterm.Println()

	if err := run(ctx, cfg.Server); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

func run(ctx context.Context, cfg config.Server) error {
	srv := signaling.NewServer(session.NewRegistry(), cfg)

	addr, err := srv.Start(cfg.Listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	util.LogSuccess("Listening on ws://%s%s (violation policy: %s)", addr, cfg.Path, cfg.OnViolation)

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	<-ctx.Done()
	return nil
}
