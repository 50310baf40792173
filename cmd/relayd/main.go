package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"vncrelay_go/internal/backend"
	"vncrelay_go/internal/relay"
	"vncrelay_go/internal/shared/config"
	"vncrelay_go/internal/shared/logger"
	"vncrelay_go/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "vncrelay.ini")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// The in-repo backend serves a synthetic test pattern. Deployments
	// with a real desktop backend construct relay.New with it here.
	server := relay.New(cfg, backend.NewTestPattern())

	go func() {
		if err := server.Run(); err != nil {
			logger.Fatal().Err(err).Msg("Relay server failed")
		}
	}()

	waitForSignal()
	server.Stop()
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Signal received, shutting down...")
}
