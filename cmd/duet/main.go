// Duet: the call client. It connects to a relay, negotiates a WebRTC session
// with the other participant and keeps the side channel for camera and
// microphone state.
//
// It can be launched interactively (no --url) or non-interactively via flags.
// Commands are read from stdin once connected: call, cam on|off, mic on|off,
// status, hangup.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/duet/internal/call"
	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/peer"
	"github.com/1ureka/duet/internal/sidechannel"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := pflag.NewFlagSet("duet", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "YAML configuration file")
	urlFlag := flags.StringP("url", "u", "", "Relay URL, e.g. wss://relay.example.com/rtc")
	media := flags.StringSlice("media", nil, "Media kinds to receive (audio, video)")
	autoStart := flags.Bool("auto-start", false, "Start the call as soon as the other side joins")
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

	if flags.Changed("url") {
		cfg.Client.URL = *urlFlag
	}
	if flags.Changed("media") {
		cfg.Client.Media = *media
	}
	if flags.Changed("auto-start") {
		cfg.Client.AutoStart = *autoStart
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Duet v%s", version))
	pterm.Println()

	// No relay URL → interactive prompt.
	if cfg.Client.URL == "" {
		cfg.Client.URL = askURL()
	}
	if err := cfg.Client.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	wsURL, _ := config.NormalizeURL(cfg.Client.URL)

	if err := run(ctx, cfg.Client, wsURL); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Call
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Client, wsURL string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := peer.New(peer.Options{ICEServers: cfg.ICEServers, Media: cfg.Media})
	if err != nil {
		return err
	}

	// Reading starts only after the orchestrator has subscribed, so an offer
	// relayed right after pairing is not missed.
	client, err := signaling.Connect(ctx, wsURL, signaling.Options{
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	})
	if err != nil {
		p.Close()
		return err
	}
	util.LogInfo("Connected to %s", wsURL)

	side := sidechannel.New(p.DataChannel())
	remote := sidechannel.NewRemoteMedia(func(kind sidechannel.Kind, on bool) {
		util.LogInfo("Remote %s: %s", kind, sidechannel.FlagValue(on))
	})
	remote.Attach(side)

	local := &localMedia{camera: true, mic: true}

	orch := call.New(p, client, call.WithEventHandler(func(ev peer.Event) {
		switch ev.Type {
		case peer.EventTrack:
			go drainTrack(ev.Track)
		case peer.EventConnectionState:
			util.LogInfo("Peer connection: %s", ev.State)
			if ev.State == webrtc.PeerConnectionStateFailed {
				cancel()
			}
		case peer.EventChannelOpen:
			util.LogSuccess("Call established")
			local.announce(side)
		case peer.EventChannelClosed:
			util.LogInfo("Side channel closed")
		}
	}))
	defer orch.Close()
	client.Start()

	if cfg.AutoStart {
		orch.Ready()
	} else {
		util.LogInfo("Type 'call' to start, 'hangup' to leave")
	}

	go readCommands(os.Stdin, cancel, orch, client, side, local, remote)

	err = orch.Run(ctx)

	var negErr *call.NegotiationError
	switch {
	case errors.Is(err, call.ErrCallEnded):
		util.LogInfo("Call ended")
		return nil
	case errors.Is(err, context.Canceled):
		util.LogInfo("Hung up")
		return nil
	case errors.As(err, &negErr):
		return fmt.Errorf("call failed: %w", err)
	default:
		return err
	}
}

// drainTrack reads a remote track until it ends. Rendering is left to
// downstream consumers; reading keeps the receiver's buffers moving.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			util.LogDebug("Remote %s track ended: %v", track.Kind(), err)
			return
		}
	}
}

// localMedia is the camera and microphone state reported to the other side.
type localMedia struct {
	mu     sync.Mutex
	camera bool
	mic    bool
}

func (m *localMedia) set(kind sidechannel.Kind, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case sidechannel.KindCamera:
		m.camera = on
	case sidechannel.KindMic:
		m.mic = on
	}
}

// announce sends the current state, used when the side channel opens.
func (m *localMedia) announce(side *sidechannel.Channel) {
	m.mu.Lock()
	camera, mic := m.camera, m.mic
	m.mu.Unlock()

	for kind, on := range map[sidechannel.Kind]bool{sidechannel.KindCamera: camera, sidechannel.KindMic: mic} {
		if err := side.Send(kind, sidechannel.FlagValue(on)); err != nil {
			util.LogDebug("Failed to announce %s: %v", kind, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func readCommands(
	in io.Reader,
	hangup context.CancelFunc,
	orch *call.Orchestrator,
	client *signaling.Client,
	side *sidechannel.Channel,
	local *localMedia,
	remote *sidechannel.RemoteMedia,
) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "call":
			orch.Ready()

		case "cam", "mic":
			if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
				util.LogWarning("usage: %s on|off", fields[0])
				continue
			}
			kind := sidechannel.KindCamera
			if fields[0] == "mic" {
				kind = sidechannel.KindMic
			}
			on := fields[1] == "on"
			local.set(kind, on)
			if err := side.Send(kind, sidechannel.FlagValue(on)); err != nil {
				util.LogWarning("%v", err)
			}

		case "status":
			util.LogInfo("State: %s | Role: %s | Remote camera: %s, mic: %s",
				client.State(), orch.Role(),
				sidechannel.FlagValue(remote.Camera()), sidechannel.FlagValue(remote.Mic()))

		case "hangup", "quit", "exit":
			hangup()
			return

		default:
			util.LogWarning("unknown command %q (call, cam on|off, mic on|off, status, hangup)", fields[0])
		}
	}
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com/rtc)").
			Show()

		if _, err := config.NormalizeURL(raw); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
