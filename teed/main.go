// Package main implements teed, a software TEE that answers the driver's
// secure calls over vsock (or TCP in development mode).
//
// SECURITY: teed holds the session root key and every session key. It
// never logs key material.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/hardening"
	"github.com/gitee2github/itrustee-tzdriver/rootkey"
	"github.com/gitee2github/itrustee-tzdriver/smc"
	"github.com/gitee2github/itrustee-tzdriver/teesim"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/tzdriver/teed.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (TCP instead of vsock)")
	vsockPort := flag.Uint("vsock-port", 0, "vsock port (overrides config)")
	tcpPort := flag.Uint("tcp-port", 0, "TCP port in development mode (overrides config)")
	storeDSN := flag.String("store", "", "SQLite DSN for the session store (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL for audit events (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", *devMode).
		Msg("TEE daemon starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *vsockPort != 0 {
		cfg.Listen.VsockPort = uint32(*vsockPort)
	}
	if *tcpPort != 0 {
		cfg.Listen.TCPPort = uint16(*tcpPort)
	}
	if *storeDSN != "" {
		cfg.Store.DSN = *storeDSN
	}
	if *natsURL != "" {
		cfg.Audit.URL = *natsURL
		cfg.Audit.Enabled = true
	}
	cfg.DevMode = cfg.DevMode || *devMode

	hardening.Apply(hardening.DefaultConfig(cfg.DevMode))
	if !cfg.DevMode {
		if err := hardening.Verify(); err != nil {
			log.Warn().Err(err).Msg("Process hardening incomplete")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("TEE daemon error")
	}

	log.Info().Msg("TEE daemon shutdown complete")
}

func run(ctx context.Context, cfg *Config) error {
	var reporter audit.Reporter = audit.LogReporter{}
	auditStatus := func() string { return "disabled" }
	if cfg.Audit.Enabled {
		nr, err := audit.DialNATS("tzdriver-teed", cfg.Audit)
		if err != nil {
			return err
		}
		defer nr.Close()
		reporter = audit.Multi{audit.LogReporter{}, nr}
		auditStatus = nr.Status
		log.Info().Str("url", cfg.Audit.URL).Msg("Publishing audit events to NATS")
	}

	if cfg.RootKey.Source == rootkey.KindRandom && !cfg.DevMode {
		log.Warn().Msg("Root key is random; drivers must fetch it again after a restart")
	}
	src, err := rootkey.New(ctx, cfg.RootKey)
	if err != nil {
		return err
	}
	material, err := rootkey.Load(ctx, src)
	if err != nil {
		return err
	}

	store, err := teesim.NewStore(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	tee, err := teesim.New(teesim.Config{Store: store, Reporter: reporter, Material: material})
	if err != nil {
		return err
	}
	defer tee.Close()
	tee.Register(teesim.DemoUUID, teesim.DemoApp{})
	tee.Register(auth.TZMPUUID, teesim.DemoApp{})

	var l smc.Listener
	if cfg.DevMode {
		l, err = smc.ListenTCP(cfg.Listen.TCPPort)
	} else {
		l, err = smc.ListenVsock(cfg.Listen.VsockPort)
	}
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go tee.PurgeLoop(done,
		time.Duration(cfg.Store.PurgeInterval)*time.Second,
		time.Duration(cfg.Store.PendingTTL)*time.Second)

	health := NewHealthServer(cfg.Health.Port)
	go health.Start()
	defer health.Stop()
	go monitor(ctx, health, store, auditStatus, time.Duration(cfg.Health.Interval)*time.Second)

	if err := smc.NewServer(tee).Serve(ctx, l); err != nil {
		return fmt.Errorf("secure call server failed: %w", err)
	}
	return nil
}

// monitor refreshes the health status from the session store.
func monitor(ctx context.Context, health *HealthServer, store *teesim.Store, auditStatus func() string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		open, errOpen := store.Count(teesim.StateOpen)
		pending, errPending := store.Count(teesim.StatePending)
		storeOK := errOpen == nil && errPending == nil
		if !storeOK {
			log.Error().AnErr("open", errOpen).AnErr("pending", errPending).Msg("Session store check failed")
		}
		health.UpdateStatus(storeOK, auditStatus(), open, pending)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
