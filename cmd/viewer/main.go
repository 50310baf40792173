package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vncrelay_go/internal/client"
	"vncrelay_go/internal/protocol"
	"vncrelay_go/internal/shared/config"
	"vncrelay_go/internal/shared/logger"
	"vncrelay_go/internal/shared/types"
)

// viewer is a headless exerciser for the client session manager: it
// connects to a relay, logs every screen update and sends a scripted
// pointer/keyboard sequence once streaming starts.
func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "vncrelay.ini")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	relayURL := cfg.ClientConf.RelayURL
	if relayURL == "" {
		relayURL = fmt.Sprintf("ws://127.0.0.1:%d/vnc", cfg.RelayConf.Port)
	}

	streaming := make(chan struct{}, 1)
	mgr := client.New(client.Options{
		URL: relayURL,
		Connect: protocol.ConnectRequest{
			Host:     cfg.ClientConf.Host,
			Port:     cfg.ClientConf.Port,
			Password: cfg.ClientConf.Password,
			Width:    cfg.ClientConf.Width,
			Height:   cfg.ClientConf.Height,
			Depth:    cfg.ClientConf.Depth,
		},
	}, client.Callbacks{
		OnConnectionChange: func(connected bool) {
			logger.Info().Bool("connected", connected).Msg("Connection state changed")
			if connected {
				select {
				case streaming <- struct{}{}:
				default:
				}
			}
		},
		OnScreenUpdate: func(update *protocol.ScreenUpdate) {
			logger.Info().Uint64("seq", update.Seq).
				Int("width", update.Width).Int("height", update.Height).
				Int("bytes", len(update.Data)).Msg("Screen update")
		},
		OnError: func(message string) {
			logger.Warn().Str("error", message).Msg("Relay error")
		},
	})

	logger.Info().Str("url", relayURL).Msg("Viewer connecting")
	mgr.Connect()

	go func() {
		<-streaming
		// A small scripted exercise of the input path.
		mgr.SendPointer(protocol.PointerEvent{X: 50, Y: 50, Button: 1, Pressed: true})
		mgr.SendPointer(protocol.PointerEvent{X: 50, Y: 50, Button: 1, Pressed: false})
		mgr.SendKey(protocol.KeyEvent{Key: "a", Pressed: true})
		mgr.SendKey(protocol.KeyEvent{Key: "a", Pressed: false})
		time.Sleep(100 * time.Millisecond)
		mgr.RequestScreen()
	}()

	waitForSignal()
	mgr.Disconnect()
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Signal received, shutting down...")
}
